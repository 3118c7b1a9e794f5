// Package bt wraps the BLE central role: choosing, resolving and connecting
// peripherals, and GATT access on a connected peripheral.
package bt

import (
	"context"
	"errors"
)

var (
	// ErrNoDeviceChosen is returned when a device request ends without a match
	ErrNoDeviceChosen = errors.New("no device chosen")
	// ErrNotConnected is returned for GATT operations on a disconnected peripheral
	ErrNotConnected = errors.New("device not connected")
)

// Peripheral is a remote BLE device
type Peripheral interface {
	Address() string
	Name() string
	IsConnected() bool
	Connect(ctx context.Context) error
	Disconnect() error
	// OnDisconnect registers fn to run whenever the link drops, including
	// after Disconnect. It returns the deregistration function.
	OnDisconnect(fn func()) func()
	// HasService reports whether the connected peripheral exposes the service.
	HasService(serviceUUID string) (bool, error)
	EnableNotifications(serviceUUID, characteristicUUID string, callback func(buf []byte)) error
	WriteCharacteristic(serviceUUID, characteristicUUID string, data []byte) error
}

// Central finds peripherals
type Central interface {
	Enable() error
	// RequestDevice picks one peripheral advertising any of serviceUUIDs.
	// It returns ErrNoDeviceChosen when none is picked.
	RequestDevice(ctx context.Context, serviceUUIDs []string) (Peripheral, error)
	// KnownDevices resolves previously used peripherals by address without
	// prompting. Addresses that cannot be found are left out.
	KnownDevices(ctx context.Context, addresses []string) ([]Peripheral, error)
	Shutdown()
}
