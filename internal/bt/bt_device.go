package bt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-core/internal/events"
	"github.com/lowaak/smart-trainer/trainer-core/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-core/internal/safe_map"
	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

var _ Peripheral = (*btDeviceImpl)(nil)

type btDeviceImpl struct {
	adapter                *bluetooth.Adapter
	address                bluetooth.Address
	connectTimeout         time.Duration
	logger                 *zap.Logger
	mu                     sync.Mutex
	name                   string
	connectedDevice        *bluetooth.Device // nil when not connected
	bleMu                  sync.Mutex        // Serializes BLE characteristic operations (discovery, notifications, writes)
	serviceByUuid          *safe_map.SafeMap[string, *bluetooth.DeviceService]
	characteristicByUuid   *safe_map.SafeMap[string, *bluetooth.DeviceCharacteristic]
	serviceCharsDiscovered *safe_map.SafeMap[string, bool]
	allServicesDiscovered  bool
	disconnected           *events.Feed[struct{}]
}

func newBtDeviceImpl(
	adapter *bluetooth.Adapter,
	logger *zap.Logger,
	address bluetooth.Address,
	connectTimeout time.Duration,
) *btDeviceImpl {
	return &btDeviceImpl{
		adapter:                adapter,
		address:                address,
		connectTimeout:         connectTimeout,
		logger:                 logger.With(zap.String("address", address.String())),
		name:                   "Unknown",
		serviceByUuid:          safe_map.NewSafeMap[string, *bluetooth.DeviceService](),
		characteristicByUuid:   safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic](),
		serviceCharsDiscovered: safe_map.NewSafeMap[string, bool](),
		disconnected:           events.NewFeed[struct{}](false),
	}
}

func (b *btDeviceImpl) Address() string {
	return b.address.String()
}

func (b *btDeviceImpl) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name
}

func (b *btDeviceImpl) setName(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.name = name
}

func (b *btDeviceImpl) IsConnected() bool {
	return b.getConnectedDevice() != nil
}

// Connect opens the link. The adapter call itself cannot be cancelled, so if
// ctx ends first the late connection is torn down when it completes.
func (b *btDeviceImpl) Connect(ctx context.Context) error {
	if b.IsConnected() {
		return nil
	}

	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	resultCh := make(chan connectResult, 1)

	b.logger.Info("BTDevice: connecting")
	go_func_utils.SafeGo(b.logger, func() {
		device, err := b.adapter.Connect(b.address, bluetooth.ConnectionParams{})
		resultCh <- connectResult{device: device, err: err}
	})

	ctx, cancel := context.WithTimeout(ctx, b.connectTimeout)
	defer cancel()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return fmt.Errorf("connect %s: %w", b.Address(), r.err)
		}
		device := r.device
		b.setConnectedDevice(&device)
		b.logger.Info("BTDevice: connected")
		return nil
	case <-ctx.Done():
		go_func_utils.SafeGo(b.logger, func() {
			if r := <-resultCh; r.err == nil {
				_ = r.device.Disconnect()
			}
		})
		return fmt.Errorf("connect %s: %w", b.Address(), ctx.Err())
	}
}

func (b *btDeviceImpl) Disconnect() error {
	device := b.getConnectedDevice()
	if device == nil {
		return nil
	}
	if err := device.Disconnect(); err != nil {
		return fmt.Errorf("disconnect %s: %w", b.Address(), err)
	}
	// Not every platform reports a locally initiated disconnect through the
	// adapter's connect handler; handleDisconnected is idempotent.
	b.handleDisconnected()
	return nil
}

func (b *btDeviceImpl) OnDisconnect(fn func()) func() {
	return b.disconnected.Subscribe(func(struct{}) { fn() })
}

func (b *btDeviceImpl) handleDisconnected() {
	b.mu.Lock()
	wasConnected := b.connectedDevice != nil
	b.connectedDevice = nil
	b.mu.Unlock()
	if !wasConnected {
		return
	}
	b.resetDiscovery()
	b.disconnected.Publish(struct{}{})
}

func (b *btDeviceImpl) HasService(serviceUuidStr string) (bool, error) {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return false, fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}
	_, found, err := b.getDeviceService(serviceUuid)
	if err != nil {
		return false, err
	}
	return found, nil
}

func (b *btDeviceImpl) EnableNotifications(
	serviceUuidStr string,
	characteristicUuidStr string,
	callbackFunc func(buf []byte)) error {

	// Serialize BLE operations to avoid race conditions
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.getDeviceCharacteristicByStrings(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	if err := characteristic.EnableNotifications(callbackFunc); err != nil {
		return fmt.Errorf("failed to enable notifications: %w", err)
	}
	b.logger.Debug("BTDevice: notifications enabled", zap.String("characteristic", characteristicUuidStr))
	return nil
}

func (b *btDeviceImpl) WriteCharacteristic(
	serviceUuidStr string,
	characteristicUuidStr string,
	data []byte) error {

	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.getDeviceCharacteristicByStrings(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	if err := writeValue(characteristic, data); err != nil {
		return fmt.Errorf("failed to write characteristic: %w", err)
	}
	return nil
}

func (b *btDeviceImpl) setConnectedDevice(device *bluetooth.Device) {
	b.resetDiscovery()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectedDevice = device
}

func (b *btDeviceImpl) getConnectedDevice() *bluetooth.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectedDevice
}

// resetDiscovery drops cached handles, which are only valid for one connection
func (b *btDeviceImpl) resetDiscovery() {
	b.serviceByUuid.Clear()
	b.characteristicByUuid.Clear()
	b.serviceCharsDiscovered.Clear()
	b.mu.Lock()
	b.allServicesDiscovered = false
	b.mu.Unlock()
}

func (b *btDeviceImpl) getDeviceService(serviceUuid bluetooth.UUID) (*bluetooth.DeviceService, bool, error) {
	connectedDevice := b.getConnectedDevice()
	if connectedDevice == nil {
		return nil, false, ErrNotConnected
	}

	serviceUuidStr := serviceUuid.String()
	if service, ok := b.serviceByUuid.Load(serviceUuidStr); ok {
		return service, true, nil
	}

	b.mu.Lock()
	discovered := b.allServicesDiscovered
	b.mu.Unlock()

	// Discover ALL services at once. Discovering single services repeatedly
	// interrupts services that are already in use on some stacks.
	if !discovered {
		b.logger.Debug("BTDevice: discovering all services")
		deviceServices, err := connectedDevice.DiscoverServices(nil)
		if err != nil {
			return nil, false, fmt.Errorf("error discovering services: %w", err)
		}
		for i := range deviceServices {
			svc := &deviceServices[i]
			b.serviceByUuid.Store(svc.UUID().String(), svc)
		}
		b.mu.Lock()
		b.allServicesDiscovered = true
		b.mu.Unlock()
	}

	service, ok := b.serviceByUuid.Load(serviceUuidStr)
	return service, ok, nil
}

func (b *btDeviceImpl) getDeviceCharacteristicByStrings(serviceUuidStr, characteristicUuidStr string) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}
	characteristicUuid, err := bluetooth.ParseUUID(characteristicUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", characteristicUuidStr, err)
	}
	return b.getDeviceCharacteristic(serviceUuid, characteristicUuid)
}

func (b *btDeviceImpl) getDeviceCharacteristic(serviceUuid bluetooth.UUID, charUuid bluetooth.UUID) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuidStr := serviceUuid.String()
	charUuidStr := charUuid.String()
	comboUuidStr := fmt.Sprintf("%s_%s", serviceUuidStr, charUuidStr)

	if characteristic, ok := b.characteristicByUuid.Load(comboUuidStr); ok {
		return characteristic, nil
	}

	if discovered, _ := b.serviceCharsDiscovered.Load(serviceUuidStr); !discovered {
		service, found, err := b.getDeviceService(serviceUuid)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("service %v not found on device", serviceUuidStr)
		}

		b.logger.Debug("BTDevice: discovering characteristics", zap.String("service", serviceUuidStr))
		discoveredCharacteristics, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %v: %w", serviceUuidStr, err)
		}
		for i := range discoveredCharacteristics {
			char := &discoveredCharacteristics[i]
			b.characteristicByUuid.Store(fmt.Sprintf("%s_%s", serviceUuidStr, char.UUID().String()), char)
		}
		b.serviceCharsDiscovered.Store(serviceUuidStr, true)
	}

	characteristic, ok := b.characteristicByUuid.Load(comboUuidStr)
	if !ok {
		return nil, fmt.Errorf("characteristic %v not found in service %v", charUuidStr, serviceUuidStr)
	}
	return characteristic, nil
}
