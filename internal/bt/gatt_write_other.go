//go:build !linux && !baremetal

package bt

// gattWriter is the write side of a characteristic
type gattWriter interface {
	Write(p []byte) (n int, err error)
}

func writeValue(c gattWriter, data []byte) error {
	_, err := c.Write(data)
	return err
}
