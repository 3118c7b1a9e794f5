package bt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-core/internal/go_func_utils"
	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

// Verify BTManager implements Central
var _ Central = (*BTManager)(nil)

// BTManagerConfig tunes scanning and connecting
type BTManagerConfig struct {
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	// PreferredAddress restricts RequestDevice to one peripheral when set
	PreferredAddress string
}

// BTManager is the tinygo bluetooth implementation of Central
type BTManager struct {
	adapter          *bluetooth.Adapter
	config           BTManagerConfig
	logger           *zap.Logger
	mu               sync.Mutex
	devicesByAddress map[string]*btDeviceImpl
	scanMu           sync.Mutex // the adapter runs one scan at a time
}

func NewBTManager(adapter *bluetooth.Adapter, logger *zap.Logger, config BTManagerConfig) *BTManager {
	if adapter == nil {
		panic("BTManager: adapter cannot be nil")
	}
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	if config.ScanTimeout <= 0 {
		config.ScanTimeout = 10 * time.Second
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	return &BTManager{
		adapter:          adapter,
		config:           config,
		logger:           logger,
		devicesByAddress: make(map[string]*btDeviceImpl),
	}
}

func (m *BTManager) Enable() error {
	// Track disconnections so peripherals can notify their listeners
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := device.Address.String()
		d := m.lookup(addressStr)
		if d == nil {
			return
		}
		if connected {
			m.logger.Info("BTManager: device connected", zap.String("address", addressStr))
			return
		}
		m.logger.Info("BTManager: device disconnected", zap.String("address", addressStr))
		d.handleDisconnected()
	})

	if err := m.adapter.Enable(); err != nil {
		return fmt.Errorf("enable BLE adapter: %w", err)
	}
	return nil
}

// RequestDevice scans until a peripheral advertising one of serviceUUIDs is
// seen, or the scan window closes.
func (m *BTManager) RequestDevice(ctx context.Context, serviceUUIDs []string) (Peripheral, error) {
	filterSet := make(map[string]struct{}, len(serviceUUIDs))
	for _, uuid := range serviceUUIDs {
		filterSet[strings.ToLower(uuid)] = struct{}{}
	}
	preferred := strings.ToLower(m.config.PreferredAddress)

	var chosen *btDeviceImpl
	err := m.scan(ctx, func(result bluetooth.ScanResult) bool {
		if preferred != "" && strings.ToLower(result.Address.String()) != preferred {
			return false
		}
		if !advertisesAny(result, filterSet) {
			return false
		}
		chosen = m.track(result)
		m.logger.Info("BTManager: device chosen",
			zap.String("name", chosen.Name()),
			zap.String("address", chosen.Address()),
			zap.Int16("rssi", result.RSSI))
		return true
	})
	if err != nil {
		return nil, err
	}
	if chosen == nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoDeviceChosen, ctx.Err())
		}
		return nil, ErrNoDeviceChosen
	}
	return chosen, nil
}

// KnownDevices returns the peripherals for addresses that are either already
// connected or seen advertising during one scan window.
func (m *BTManager) KnownDevices(ctx context.Context, addresses []string) ([]Peripheral, error) {
	pending := make(map[string]struct{}, len(addresses))
	found := make(map[string]*btDeviceImpl, len(addresses))
	for _, addr := range addresses {
		key := strings.ToLower(addr)
		if d := m.lookup(key); d != nil && d.IsConnected() {
			found[key] = d
			continue
		}
		pending[key] = struct{}{}
	}

	if len(pending) > 0 {
		err := m.scan(ctx, func(result bluetooth.ScanResult) bool {
			key := strings.ToLower(result.Address.String())
			if _, ok := pending[key]; !ok {
				return false
			}
			found[key] = m.track(result)
			delete(pending, key)
			return len(pending) == 0
		})
		if err != nil {
			return nil, err
		}
	}

	result := make([]Peripheral, 0, len(found))
	for _, addr := range addresses {
		if d, ok := found[strings.ToLower(addr)]; ok {
			result = append(result, d)
		}
	}
	m.logger.Info("BTManager: resolved known devices",
		zap.Int("requested", len(addresses)),
		zap.Int("found", len(result)))
	return result, nil
}

// Shutdown disconnects every connected peripheral
func (m *BTManager) Shutdown() {
	m.logger.Info("BTManager: Shutting down")
	m.mu.Lock()
	devices := make([]*btDeviceImpl, 0, len(m.devicesByAddress))
	for _, d := range m.devicesByAddress {
		devices = append(devices, d)
	}
	m.mu.Unlock()

	for _, d := range devices {
		if !d.IsConnected() {
			continue
		}
		if err := d.Disconnect(); err != nil {
			m.logger.Warn("BTManager: error disconnecting", zap.String("address", d.Address()), zap.Error(err))
		}
	}
	m.logger.Info("BTManager: Shutdown complete")
}

// scan runs the adapter scan until onResult returns true, ctx is done or the
// scan timeout passes.
func (m *BTManager) scan(ctx context.Context, onResult func(bluetooth.ScanResult) bool) error {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	scanCtx, cancel := context.WithTimeout(ctx, m.config.ScanTimeout)
	defer cancel()

	var once sync.Once
	errCh := make(chan error, 1)
	m.logger.Debug("BTManager: Starting scan")
	go_func_utils.SafeGo(m.logger, func() {
		errCh <- m.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			select {
			case <-scanCtx.Done():
				return
			default:
			}
			if onResult(result) {
				once.Do(cancel)
			}
		})
	})

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		return nil
	case <-scanCtx.Done():
	}

	if err := m.adapter.StopScan(); err != nil {
		m.logger.Warn("BTManager: error stopping scan", zap.Error(err))
	}
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		m.logger.Warn("BTManager: scan did not return after StopScan")
	}
	return nil
}

func (m *BTManager) lookup(address string) *btDeviceImpl {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devicesByAddress[strings.ToLower(address)]
}

func (m *BTManager) track(result bluetooth.ScanResult) *btDeviceImpl {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(result.Address.String())
	d, ok := m.devicesByAddress[key]
	if !ok {
		d = newBtDeviceImpl(m.adapter, m.logger, result.Address, m.config.ConnectTimeout)
		m.devicesByAddress[key] = d
	}
	if name := result.LocalName(); name != "" {
		d.setName(name)
	}
	return d
}

func advertisesAny(result bluetooth.ScanResult, filterSet map[string]struct{}) bool {
	if len(filterSet) == 0 {
		return true
	}
	for uuidStr := range filterSet {
		uuid, err := bluetooth.ParseUUID(uuidStr)
		if err != nil {
			continue
		}
		if result.HasServiceUUID(uuid) {
			return true
		}
	}
	return false
}
