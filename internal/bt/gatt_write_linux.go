//go:build linux || baremetal

package bt

// gattWriter is the write side of a characteristic. The BlueZ and HCI
// backends only expose writes without response.
type gattWriter interface {
	WriteWithoutResponse(p []byte) (n int, err error)
}

func writeValue(c gattWriter, data []byte) error {
	_, err := c.WriteWithoutResponse(data)
	return err
}
