package bt

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-core/internal/events"
	"github.com/lowaak/smart-trainer/trainer-core/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-core/internal/go_func_utils"
	"go.uber.org/zap"
)

var (
	_ Central    = (*MockCentral)(nil)
	_ Peripheral = (*MockPeripheral)(nil)
)

// WrittenValue records a value written to a characteristic
type WrittenValue struct {
	Timestamp          time.Time `json:"timestamp"`
	ServiceUUID        string    `json:"serviceUuid"`
	CharacteristicUUID string    `json:"characteristicUuid"`
	Data               []byte    `json:"data"`
	DataHex            string    `json:"dataHex"`
}

// MockPeripheralConfig holds configuration for creating a mock peripheral
type MockPeripheralConfig struct {
	Address      string
	Name         string
	ServiceUUIDs []string
}

// MockPeripheral implements Peripheral without Bluetooth hardware. It backs
// the simulated mode of the CLI and the protocol tests.
type MockPeripheral struct {
	config MockPeripheralConfig
	logger *zap.Logger

	mu              sync.Mutex
	connected       bool
	connectCount    int
	connectFailures int   // remaining Connect calls that fail
	connectErr      error // returned by failing Connect calls
	writeErr        error
	subscriptions   map[string]func([]byte)
	writtenValues   []WrittenValue
	disconnected    *events.Feed[struct{}]

	// simulated rider state
	targetPower  int
	heartRate    int
	cadence      float64
	distance     float64
	lastTick     time.Time
	controlGrant bool
}

// NewMockPeripheral creates a disconnected mock peripheral
func NewMockPeripheral(logger *zap.Logger, config MockPeripheralConfig) *MockPeripheral {
	if logger == nil {
		panic("MockPeripheral: logger cannot be nil")
	}
	return &MockPeripheral{
		config:        config,
		logger:        logger.With(zap.String("address", config.Address)),
		subscriptions: make(map[string]func([]byte)),
		disconnected:  events.NewFeed[struct{}](false),
		targetPower:   100,
		heartRate:     70,
		cadence:       85,
	}
}

func (m *MockPeripheral) Address() string { return m.config.Address }
func (m *MockPeripheral) Name() string    { return m.config.Name }

func (m *MockPeripheral) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockPeripheral) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectCount++
	if m.connectFailures > 0 {
		m.connectFailures--
		err := m.connectErr
		if err == nil {
			err = fmt.Errorf("simulated connection failure")
		}
		return fmt.Errorf("connect %s: %w", m.config.Address, err)
	}
	m.connected = true
	m.lastTick = time.Time{}
	m.logger.Info("MockPeripheral: connected")
	return nil
}

func (m *MockPeripheral) Disconnect() error {
	m.dropLink()
	return nil
}

// SimulateLinkLoss drops the connection as if the peripheral went out of range
func (m *MockPeripheral) SimulateLinkLoss() {
	m.logger.Info("MockPeripheral: simulating link loss")
	m.dropLink()
}

func (m *MockPeripheral) dropLink() {
	m.mu.Lock()
	wasConnected := m.connected
	m.connected = false
	m.subscriptions = make(map[string]func([]byte))
	m.controlGrant = false
	m.mu.Unlock()
	if wasConnected {
		m.disconnected.Publish(struct{}{})
	}
}

func (m *MockPeripheral) OnDisconnect(fn func()) func() {
	return m.disconnected.Subscribe(func(struct{}) { fn() })
}

func (m *MockPeripheral) HasService(serviceUUID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return false, ErrNotConnected
	}
	return m.hasServiceLocked(serviceUUID), nil
}

func (m *MockPeripheral) hasServiceLocked(serviceUUID string) bool {
	for _, uuid := range m.config.ServiceUUIDs {
		if strings.EqualFold(uuid, serviceUUID) {
			return true
		}
	}
	return false
}

func (m *MockPeripheral) EnableNotifications(serviceUUID, characteristicUUID string, callback func(buf []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	if !m.hasServiceLocked(serviceUUID) {
		return fmt.Errorf("service %v not found on device", serviceUUID)
	}
	m.subscriptions[subscriptionKey(serviceUUID, characteristicUUID)] = callback
	return nil
}

func (m *MockPeripheral) WriteCharacteristic(serviceUUID, characteristicUUID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	if m.writeErr != nil {
		return fmt.Errorf("failed to write characteristic: %w", m.writeErr)
	}
	m.writtenValues = append(m.writtenValues, WrittenValue{
		Timestamp:          time.Now(),
		ServiceUUID:        serviceUUID,
		CharacteristicUUID: characteristicUUID,
		Data:               append([]byte(nil), data...),
		DataHex:            hex.EncodeToString(data),
	})
	if strings.EqualFold(characteristicUUID, ftms.CharUUIDFTMSControlPoint) {
		m.handleControlPointLocked(data)
	}
	return nil
}

func (m *MockPeripheral) handleControlPointLocked(data []byte) {
	if len(data) == 0 {
		return
	}
	switch data[0] {
	case ftms.OpCodeRequestControl:
		m.controlGrant = true
	case ftms.OpCodeSetTargetPower:
		if len(data) >= 3 {
			m.targetPower = int(int16(uint16(data[1]) | uint16(data[2])<<8))
			m.logger.Info("MockPeripheral: target power", zap.Int("watts", m.targetPower))
		}
	}

	cb := m.subscriptions[subscriptionKey(ftms.ServiceUUIDFTMS, ftms.CharUUIDFTMSControlPoint)]
	if cb != nil {
		result := ftms.ResultSuccess
		if data[0] != ftms.OpCodeRequestControl && !m.controlGrant {
			result = ftms.ResultControlNotPermitted
		}
		response := []byte{ftms.OpCodeResponseCode, data[0], result}
		go_func_utils.SafeGo(m.logger, func() { cb(response) })
	}
}

// Notify pushes data to the subscriber of a characteristic, if any. It
// reports whether a subscriber received it.
func (m *MockPeripheral) Notify(serviceUUID, characteristicUUID string, data []byte) bool {
	m.mu.Lock()
	cb := m.subscriptions[subscriptionKey(serviceUUID, characteristicUUID)]
	m.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(data)
	return true
}

// SetConnectFailures makes the next n Connect calls fail with err
func (m *MockPeripheral) SetConnectFailures(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectFailures = n
	m.connectErr = err
}

// SetWriteError makes every write fail with err until reset with nil
func (m *MockPeripheral) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// SetHeartRate sets the simulated heart rate
func (m *MockPeripheral) SetHeartRate(bpm int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartRate = bpm
}

// ConnectCount returns how many times Connect was called
func (m *MockPeripheral) ConnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCount
}

// WrittenValues returns a copy of every successful write
func (m *MockPeripheral) WrittenValues() []WrittenValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]WrittenValue, len(m.writtenValues))
	copy(result, m.writtenValues)
	return result
}

// IsSubscribed reports whether notifications are enabled for a characteristic
func (m *MockPeripheral) IsSubscribed(serviceUUID, characteristicUUID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subscriptions[subscriptionKey(serviceUUID, characteristicUUID)]
	return ok
}

// Tick emits one round of simulated notifications
func (m *MockPeripheral) Tick(now time.Time) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	dt := 0.0
	if !m.lastTick.IsZero() {
		dt = now.Sub(m.lastTick).Seconds()
	}
	m.lastTick = now

	power := float64(m.targetPower) + rand.Float64()*10 - 5
	if power < 0 {
		power = 0
	}
	// rough flat-road speed for the power, km/h
	speed := math.Cbrt(power / 0.0062)
	m.distance += speed / 3.6 * dt
	cadence := m.cadence + rand.Float64()*4 - 2
	hr := m.heartRate + rand.Intn(3) - 1

	bikeCb := m.subscriptions[subscriptionKey(ftms.ServiceUUIDFTMS, ftms.CharUUIDIndoorBikeData)]
	hrCb := m.subscriptions[subscriptionKey(ftms.ServiceUUIDHeartRate, ftms.CharUUIDHeartRateMeasurement)]
	distance := m.distance
	m.mu.Unlock()

	if bikeCb != nil {
		bikeCb(ftms.EncodeIndoorBikeData(ftms.IndoorBikeFrame{
			ftms.FieldInstantaneousSpeed:   math.Round(speed*100) / 100,
			ftms.FieldInstantaneousCadence: math.Round(cadence*2) / 2,
			ftms.FieldTotalDistance:        math.Floor(distance),
			ftms.FieldInstantaneousPower:   math.Round(power),
		}))
	}
	if hrCb != nil {
		rr := int(math.Round(60000 / float64(hr)))
		hrCb(ftms.EncodeHeartRate(ftms.HeartRateMeasurement{HeartRate: hr, RRIntervals: []int{rr}}))
	}
}

func subscriptionKey(serviceUUID, characteristicUUID string) string {
	return strings.ToLower(serviceUUID + "_" + characteristicUUID)
}

// MockCentral implements Central over a fixed set of mock peripherals
type MockCentral struct {
	logger *zap.Logger

	mu          sync.Mutex
	peripherals []*MockPeripheral
	enableErr   error
	chooser     func(candidates []*MockPeripheral) *MockPeripheral
	known       []string // addresses returned by KnownDevices when non-nil

	simCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewMockCentral creates a MockCentral holding peripherals
func NewMockCentral(logger *zap.Logger, peripherals ...*MockPeripheral) *MockCentral {
	if logger == nil {
		panic("MockCentral: logger cannot be nil")
	}
	return &MockCentral{
		logger:      logger,
		peripherals: peripherals,
	}
}

// NewSimulatedCentral creates a MockCentral with one simulated trainer and one
// simulated heart-rate strap
func NewSimulatedCentral(logger *zap.Logger) *MockCentral {
	trainer := NewMockPeripheral(logger, MockPeripheralConfig{
		Address:      "SIM:TR:00:00:00:01",
		Name:         "Simulated Trainer",
		ServiceUUIDs: []string{ftms.ServiceUUIDFTMS},
	})
	hrm := NewMockPeripheral(logger, MockPeripheralConfig{
		Address:      "SIM:HR:00:00:00:02",
		Name:         "Simulated HRM",
		ServiceUUIDs: []string{ftms.ServiceUUIDHeartRate},
	})
	hrm.SetHeartRate(128)
	return NewMockCentral(logger, trainer, hrm)
}

func (c *MockCentral) Enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enableErr
}

// SetEnableError makes Enable fail, simulating a platform without BLE
func (c *MockCentral) SetEnableError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enableErr = err
}

// SetChooser replaces the default chooser, which picks the first candidate.
// Returning nil simulates the user dismissing the device picker.
func (c *MockCentral) SetChooser(chooser func(candidates []*MockPeripheral) *MockPeripheral) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chooser = chooser
}

func (c *MockCentral) RequestDevice(ctx context.Context, serviceUUIDs []string) (Peripheral, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDeviceChosen, err)
	}
	c.mu.Lock()
	candidates := make([]*MockPeripheral, 0, len(c.peripherals))
	for _, p := range c.peripherals {
		for _, uuid := range serviceUUIDs {
			if p.hasService(uuid) {
				candidates = append(candidates, p)
				break
			}
		}
	}
	chooser := c.chooser
	c.mu.Unlock()

	var chosen *MockPeripheral
	if chooser != nil {
		chosen = chooser(candidates)
	} else if len(candidates) > 0 {
		chosen = candidates[0]
	}
	if chosen == nil {
		return nil, ErrNoDeviceChosen
	}
	return chosen, nil
}

func (p *MockPeripheral) hasService(uuid string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasServiceLocked(uuid)
}

func (c *MockCentral) KnownDevices(ctx context.Context, addresses []string) ([]Peripheral, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]Peripheral, 0, len(addresses))
	for _, addr := range addresses {
		for _, p := range c.peripherals {
			if strings.EqualFold(p.Address(), addr) {
				result = append(result, p)
				break
			}
		}
	}
	return result, nil
}

// Peripherals returns the mock peripherals
func (c *MockCentral) Peripherals() []*MockPeripheral {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*MockPeripheral(nil), c.peripherals...)
}

// StartSimulation ticks every connected peripheral at interval until Shutdown
func (c *MockCentral) StartSimulation(interval time.Duration) {
	c.mu.Lock()
	if c.simCancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.simCancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go_func_utils.SafeGo(c.logger, func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				for _, p := range c.Peripherals() {
					p.Tick(now)
				}
			}
		}
	})
	c.logger.Info("MockCentral: simulation started", zap.Duration("interval", interval))
}

func (c *MockCentral) Shutdown() {
	c.mu.Lock()
	cancel := c.simCancel
	c.simCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	for _, p := range c.Peripherals() {
		_ = p.Disconnect()
	}
}
