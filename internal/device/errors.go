package device

import "errors"

var (
	// ErrUnsupported means the platform has no usable Bluetooth adapter
	ErrUnsupported = errors.New("bluetooth not supported on this platform")
	// ErrUserCancelled means the device chooser ended without a selection
	ErrUserCancelled = errors.New("device selection cancelled")
	// ErrServiceNotFound means the connected device lacks the expected service
	ErrServiceNotFound = errors.New("required service not found on device")
)
