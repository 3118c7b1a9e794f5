// Package device connects the trainer and heart-rate sensor, decodes their
// telemetry, sends power targets and recovers lost links.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-core/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-core/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-core/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-core/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DeviceInfo identifies a connected peripheral
type DeviceInfo struct {
	Name string
	ID   string // transport address
}

// TrainerCallbacks receive trainer telemetry and connection changes. Either
// may be nil.
type TrainerCallbacks struct {
	OnData             func(telemetry.TelemetrySample)
	OnConnectionChange func(telemetry.ConnectionState)
}

// HRMCallbacks receive heart-rate telemetry and connection changes. Either
// may be nil.
type HRMCallbacks struct {
	OnData             func(telemetry.HeartRateSample)
	OnConnectionChange func(telemetry.ConnectionState)
}

// AutoConnectCallbacks are installed on whichever roles auto-connect fills
type AutoConnectCallbacks struct {
	Trainer TrainerCallbacks
	HRM     HRMCallbacks
}

// AutoConnectResult holds the devices auto-connect attached, nil for a role
// left unfilled
type AutoConnectResult struct {
	Trainer *DeviceInfo
	HRM     *DeviceInfo
}

// Status is a snapshot of both roles
type Status struct {
	Trainer        telemetry.ConnectionState
	TrainerName    string
	HRM            telemetry.ConnectionState
	HRMName        string
	ControlGranted bool
}

// Config tunes the service
type Config struct {
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	// RequestTimeout bounds the device chooser scan of a manual connect
	RequestTimeout time.Duration
	// ControlIndications subscribes to control point responses and tracks
	// whether the trainer granted control
	ControlIndications bool
}

func DefaultConfig() Config {
	return Config{
		ReconnectAttempts: 3,
		ReconnectDelay:    2 * time.Second,
		RequestTimeout:    30 * time.Second,
	}
}

type linkCallbacks struct {
	onTrainerData func(telemetry.TelemetrySample)
	onHRData      func(telemetry.HeartRateSample)
	onState       func(telemetry.ConnectionState)
}

// link is one logical connection of a role. It survives reconnect attempts
// and is replaced by a manual connect. Handlers registered for a link drop
// frames once it is no longer the active link of its role.
type link struct {
	role         telemetry.Role
	peripheral   bt.Peripheral
	callbacks    linkCallbacks
	ctx          context.Context
	cancel       context.CancelFunc
	unsubscribe  func()
	reconnecting bool // guarded by Service.mu
}

// Service owns the trainer and heart-rate connections
type Service struct {
	central bt.Central
	known   *KnownDevices
	logger  *zap.Logger
	config  Config
	now     func() time.Time

	supportedOnce sync.Once
	supported     bool

	group     singleflight.Group
	attemptMu map[telemetry.Role]*sync.Mutex // one connection attempt per role

	mu             sync.Mutex
	links          map[telemetry.Role]*link
	states         map[telemetry.Role]telemetry.ConnectionState
	names          map[telemetry.Role]string
	controlGranted bool

	wg sync.WaitGroup
}

func NewService(central bt.Central, known *KnownDevices, logger *zap.Logger, config Config) *Service {
	if central == nil {
		panic("DeviceService: central cannot be nil")
	}
	if known == nil {
		panic("DeviceService: known devices cannot be nil")
	}
	if logger == nil {
		panic("DeviceService: logger cannot be nil")
	}
	defaults := DefaultConfig()
	if config.ReconnectAttempts <= 0 {
		config.ReconnectAttempts = defaults.ReconnectAttempts
	}
	if config.ReconnectDelay < 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	return &Service{
		central: central,
		known:   known,
		logger:  logger,
		config:  config,
		now:     time.Now,
		attemptMu: map[telemetry.Role]*sync.Mutex{
			telemetry.RoleTrainer: {},
			telemetry.RoleHRM:     {},
		},
		links:  make(map[telemetry.Role]*link),
		states: make(map[telemetry.Role]telemetry.ConnectionState),
		names:  make(map[telemetry.Role]string),
	}
}

// IsSupported enables the adapter on first use and reports whether that
// worked. Connection operations fail with ErrUnsupported when it did not.
func (s *Service) IsSupported() bool {
	s.supportedOnce.Do(func() {
		if err := s.central.Enable(); err != nil {
			s.logger.Warn("DeviceService: bluetooth unavailable", zap.Error(err))
			return
		}
		s.supported = true
	})
	return s.supported
}

// ConnectTrainer lets the user choose an FTMS trainer, subscribes to its
// indoor bike data and takes control of it. Concurrent calls share one
// attempt; the callbacks of the first caller win.
func (s *Service) ConnectTrainer(ctx context.Context, callbacks TrainerCallbacks) (DeviceInfo, error) {
	return s.connectManual(ctx, telemetry.RoleTrainer, linkCallbacks{
		onTrainerData: callbacks.OnData,
		onState:       callbacks.OnConnectionChange,
	})
}

// ConnectHRM lets the user choose a heart-rate sensor and subscribes to its
// measurements
func (s *Service) ConnectHRM(ctx context.Context, callbacks HRMCallbacks) (DeviceInfo, error) {
	return s.connectManual(ctx, telemetry.RoleHRM, linkCallbacks{
		onHRData: callbacks.OnData,
		onState:  callbacks.OnConnectionChange,
	})
}

func (s *Service) connectManual(ctx context.Context, role telemetry.Role, callbacks linkCallbacks) (DeviceInfo, error) {
	if !s.IsSupported() {
		return DeviceInfo{}, ErrUnsupported
	}

	v, err, shared := s.group.Do(role.String(), func() (interface{}, error) {
		lock := s.attemptMu[role]
		lock.Lock()
		defer lock.Unlock()

		// A manual connect replaces the current link and ends its reconnect loop
		s.closeLink(role)

		emitState(callbacks.onState, telemetry.Connecting)
		s.setState(role, telemetry.Connecting, "")

		requestCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
		peripheral, err := s.central.RequestDevice(requestCtx, []string{serviceUUIDFor(role)})
		if err != nil {
			s.setState(role, telemetry.Disconnected, "")
			emitState(callbacks.onState, telemetry.Disconnected)
			if errors.Is(err, bt.ErrNoDeviceChosen) {
				return DeviceInfo{}, fmt.Errorf("%w: %v", ErrUserCancelled, err)
			}
			return DeviceInfo{}, fmt.Errorf("request %s: %w", role, err)
		}
		return s.establish(ctx, role, peripheral, callbacks)
	})
	if shared {
		s.logger.Debug("DeviceService: joined in-flight connect", zap.Stringer("role", role))
	}
	if err != nil {
		return DeviceInfo{}, err
	}
	return v.(DeviceInfo), nil
}

// establish connects peripheral, verifies its service and subscribes. The
// caller holds the role's attempt lock.
func (s *Service) establish(ctx context.Context, role telemetry.Role, peripheral bt.Peripheral, callbacks linkCallbacks) (DeviceInfo, error) {
	fail := func(err error) (DeviceInfo, error) {
		s.setState(role, telemetry.Disconnected, "")
		emitState(callbacks.onState, telemetry.Disconnected)
		return DeviceInfo{}, err
	}

	logger := s.logger.With(zap.Stringer("role", role), zap.String("address", peripheral.Address()))
	if !peripheral.IsConnected() {
		if err := peripheral.Connect(ctx); err != nil {
			logger.Warn("DeviceService: connect failed", zap.Error(err))
			return fail(err)
		}
	}

	serviceUUID := serviceUUIDFor(role)
	found, err := peripheral.HasService(serviceUUID)
	if err != nil || !found {
		_ = peripheral.Disconnect()
		if err != nil {
			return fail(fmt.Errorf("probe %s: %w", serviceUUID, err))
		}
		return fail(fmt.Errorf("%w: %s", ErrServiceNotFound, serviceUUID))
	}

	linkCtx, cancel := context.WithCancel(context.Background())
	l := &link{
		role:       role,
		peripheral: peripheral,
		callbacks:  callbacks,
		ctx:        linkCtx,
		cancel:     cancel,
	}

	// Install before subscribing so the first frames are not dropped
	s.mu.Lock()
	s.links[role] = l
	if role == telemetry.RoleTrainer {
		s.controlGranted = false
	}
	s.mu.Unlock()

	if err := s.subscribe(l); err != nil {
		logger.Warn("DeviceService: subscribe failed", zap.Error(err))
		s.mu.Lock()
		if s.links[role] == l {
			delete(s.links, role)
		}
		s.mu.Unlock()
		cancel()
		_ = peripheral.Disconnect()
		return fail(err)
	}

	l.unsubscribe = peripheral.OnDisconnect(func() { s.handleLinkLost(l) })

	info := DeviceInfo{Name: peripheral.Name(), ID: peripheral.Address()}
	s.setState(role, telemetry.Connected, info.Name)
	emitState(callbacks.onState, telemetry.Connected)
	logger.Info("DeviceService: connected", zap.String("name", info.Name))

	if err := s.known.Remember(ctx, KnownDevice{
		Address:       info.ID,
		Name:          info.Name,
		Role:          role.String(),
		LastConnected: s.now(),
	}); err != nil {
		logger.Warn("DeviceService: could not remember device", zap.Error(err))
	}
	return info, nil
}

// subscribe enables the role's notifications and, for the trainer, requests
// control. Control writes that fail are logged; control can be retried.
func (s *Service) subscribe(l *link) error {
	p := l.peripheral
	switch l.role {
	case telemetry.RoleTrainer:
		if err := p.EnableNotifications(ftms.ServiceUUIDFTMS, ftms.CharUUIDIndoorBikeData, s.indoorBikeHandler(l)); err != nil {
			return fmt.Errorf("subscribe indoor bike data: %w", err)
		}
		if s.config.ControlIndications {
			if err := p.EnableNotifications(ftms.ServiceUUIDFTMS, ftms.CharUUIDFTMSControlPoint, s.controlPointHandler(l)); err != nil {
				s.logger.Warn("DeviceService: control point indications unavailable", zap.Error(err))
			}
		}
		if err := p.WriteCharacteristic(ftms.ServiceUUIDFTMS, ftms.CharUUIDFTMSControlPoint, ftms.RequestControl()); err != nil {
			s.logger.Warn("DeviceService: request control failed", zap.Error(err))
			return nil
		}
		if err := p.WriteCharacteristic(ftms.ServiceUUIDFTMS, ftms.CharUUIDFTMSControlPoint, ftms.StartOrResume()); err != nil {
			s.logger.Warn("DeviceService: start/resume failed", zap.Error(err))
		}
		return nil
	case telemetry.RoleHRM:
		if err := p.EnableNotifications(ftms.ServiceUUIDHeartRate, ftms.CharUUIDHeartRateMeasurement, s.heartRateHandler(l)); err != nil {
			return fmt.Errorf("subscribe heart rate measurement: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown role %v", l.role)
	}
}

func (s *Service) indoorBikeHandler(l *link) func([]byte) {
	return func(buf []byte) {
		if !s.isActive(l) || l.callbacks.onTrainerData == nil {
			return
		}
		frame, err := ftms.DecodeIndoorBikeData(buf)
		if err != nil {
			s.logger.Debug("DeviceService: dropping indoor bike frame", zap.Binary("frame", buf), zap.Error(err))
			return
		}
		l.callbacks.onTrainerData(frame.Sample(s.now()))
	}
}

func (s *Service) heartRateHandler(l *link) func([]byte) {
	return func(buf []byte) {
		if !s.isActive(l) || l.callbacks.onHRData == nil {
			return
		}
		m, err := ftms.DecodeHeartRate(buf)
		if err != nil {
			s.logger.Debug("DeviceService: dropping heart rate frame", zap.Binary("frame", buf), zap.Error(err))
			return
		}
		l.callbacks.onHRData(m.Sample(s.now()))
	}
}

func (s *Service) controlPointHandler(l *link) func([]byte) {
	return func(buf []byte) {
		if !s.isActive(l) {
			return
		}
		resp, err := ftms.DecodeControlPointResponse(buf)
		if err != nil {
			s.logger.Debug("DeviceService: unexpected control point frame", zap.Binary("frame", buf), zap.Error(err))
			return
		}
		s.logger.Info("DeviceService: control point response", zap.Stringer("response", resp))
		if resp.RequestOpCode == ftms.OpCodeRequestControl {
			s.mu.Lock()
			s.controlGranted = resp.Success()
			s.mu.Unlock()
		}
	}
}

func (s *Service) isActive(l *link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[l.role] == l && l.ctx.Err() == nil
}

// handleLinkLost starts the reconnect loop for an unexpected disconnect
func (s *Service) handleLinkLost(l *link) {
	s.mu.Lock()
	if s.links[l.role] != l || l.ctx.Err() != nil || l.reconnecting {
		s.mu.Unlock()
		return
	}
	l.reconnecting = true
	if l.role == telemetry.RoleTrainer {
		s.controlGranted = false
	}
	s.mu.Unlock()

	s.logger.Warn("DeviceService: link lost",
		zap.Stringer("role", l.role),
		zap.String("address", l.peripheral.Address()))
	s.setState(l.role, telemetry.Disconnected, "")
	emitState(l.callbacks.onState, telemetry.Disconnected)

	s.wg.Add(1)
	go_func_utils.SafeGo(s.logger, func() {
		defer s.wg.Done()
		s.reconnectLoop(l)
	})
}

func (s *Service) reconnectLoop(l *link) {
	logger := s.logger.With(zap.Stringer("role", l.role), zap.String("address", l.peripheral.Address()))
	for attempt := 1; attempt <= s.config.ReconnectAttempts; attempt++ {
		if l.ctx.Err() != nil {
			return
		}
		if s.reconnectOnce(l, attempt) {
			return
		}
		if attempt == s.config.ReconnectAttempts {
			break
		}
		select {
		case <-l.ctx.Done():
			return
		case <-time.After(s.config.ReconnectDelay):
		}
	}

	// Give the role up so a later manual or auto-connect starts fresh
	s.mu.Lock()
	l.reconnecting = false
	current := s.links[l.role] == l && l.ctx.Err() == nil
	if current {
		delete(s.links, l.role)
		if l.role == telemetry.RoleTrainer {
			s.controlGranted = false
		}
	}
	s.mu.Unlock()
	if !current {
		return
	}
	l.cancel()
	if l.unsubscribe != nil {
		l.unsubscribe()
	}
	logger.Warn("DeviceService: reconnect attempts exhausted", zap.Int("attempts", s.config.ReconnectAttempts))
	s.setState(l.role, telemetry.Disconnected, "")
	emitState(l.callbacks.onState, telemetry.Disconnected)
}

// reconnectOnce runs one attempt and reports whether the loop is done, either
// because the link is back or because it was closed
func (s *Service) reconnectOnce(l *link, attempt int) bool {
	lock := s.attemptMu[l.role]
	if !lock.TryLock() {
		s.logger.Info("DeviceService: another connection attempt in flight", zap.Stringer("role", l.role))
		return false
	}
	defer lock.Unlock()

	if !s.isActive(l) {
		return true
	}

	logger := s.logger.With(
		zap.Stringer("role", l.role),
		zap.String("address", l.peripheral.Address()),
		zap.Int("attempt", attempt))
	logger.Info("DeviceService: reconnecting")
	s.setState(l.role, telemetry.Connecting, "")
	emitState(l.callbacks.onState, telemetry.Connecting)

	if err := l.peripheral.Connect(l.ctx); err != nil {
		logger.Warn("DeviceService: reconnect attempt failed", zap.Error(err))
		return false
	}
	if err := s.subscribe(l); err != nil {
		logger.Warn("DeviceService: resubscribe failed", zap.Error(err))
		_ = l.peripheral.Disconnect()
		return false
	}

	s.mu.Lock()
	active := s.links[l.role] == l && l.ctx.Err() == nil
	if active {
		l.reconnecting = false
	}
	s.mu.Unlock()
	if !active {
		// closed while the attempt was running
		_ = l.peripheral.Disconnect()
		return true
	}

	s.setState(l.role, telemetry.Connected, l.peripheral.Name())
	emitState(l.callbacks.onState, telemetry.Connected)
	logger.Info("DeviceService: reconnected")
	return true
}

// TryAutoConnect reconnects known devices without prompting. Each device is
// probed for FTMS first and heart rate second; devices matching neither are
// disconnected again. Per-device failures are logged and skipped.
func (s *Service) TryAutoConnect(ctx context.Context, callbacks AutoConnectCallbacks) AutoConnectResult {
	var result AutoConnectResult
	if !s.IsSupported() {
		return result
	}

	known, err := s.known.List(ctx)
	if err != nil {
		s.logger.Warn("DeviceService: cannot read known devices", zap.Error(err))
		return result
	}
	if len(known) == 0 {
		return result
	}
	addresses := make([]string, 0, len(known))
	for _, d := range known {
		addresses = append(addresses, d.Address)
	}

	peripherals, err := s.central.KnownDevices(ctx, addresses)
	if err != nil {
		s.logger.Warn("DeviceService: cannot resolve known devices", zap.Error(err))
		return result
	}
	s.logger.Info("DeviceService: auto-connect", zap.Int("known", len(known)), zap.Int("found", len(peripherals)))

	for _, p := range peripherals {
		if ctx.Err() != nil {
			break
		}
		if p.IsConnected() {
			s.logger.Debug("DeviceService: skipping connected device", zap.String("address", p.Address()))
			continue
		}
		role, info, err := s.autoConnectOne(ctx, p, callbacks)
		if err != nil {
			s.logger.Warn("DeviceService: auto-connect failed", zap.String("address", p.Address()), zap.Error(err))
			continue
		}
		if info == nil {
			continue
		}
		switch role {
		case telemetry.RoleTrainer:
			result.Trainer = info
		case telemetry.RoleHRM:
			result.HRM = info
		}
	}
	return result
}

// autoConnectOne returns a nil info when p was skipped without error
func (s *Service) autoConnectOne(ctx context.Context, p bt.Peripheral, callbacks AutoConnectCallbacks) (telemetry.Role, *DeviceInfo, error) {
	if err := p.Connect(ctx); err != nil {
		return 0, nil, err
	}

	role, matched, err := classify(p)
	if err != nil {
		_ = p.Disconnect()
		return 0, nil, err
	}
	if !matched {
		s.logger.Info("DeviceService: known device is neither trainer nor heart-rate sensor", zap.String("address", p.Address()))
		_ = p.Disconnect()
		return 0, nil, nil
	}
	if s.hasLink(role) {
		s.logger.Info("DeviceService: role already connected", zap.Stringer("role", role), zap.String("address", p.Address()))
		_ = p.Disconnect()
		return 0, nil, nil
	}

	lock := s.attemptMu[role]
	if !lock.TryLock() {
		_ = p.Disconnect()
		return 0, nil, fmt.Errorf("connection attempt for %s in flight", role)
	}
	defer lock.Unlock()

	var lc linkCallbacks
	switch role {
	case telemetry.RoleTrainer:
		lc = linkCallbacks{onTrainerData: callbacks.Trainer.OnData, onState: callbacks.Trainer.OnConnectionChange}
	case telemetry.RoleHRM:
		lc = linkCallbacks{onHRData: callbacks.HRM.OnData, onState: callbacks.HRM.OnConnectionChange}
	}
	emitState(lc.onState, telemetry.Connecting)
	s.setState(role, telemetry.Connecting, "")
	info, err := s.establish(ctx, role, p, lc)
	if err != nil {
		return role, nil, err
	}
	return role, &info, nil
}

func classify(p bt.Peripheral) (telemetry.Role, bool, error) {
	isTrainer, err := p.HasService(ftms.ServiceUUIDFTMS)
	if err != nil {
		return 0, false, fmt.Errorf("probe fitness machine service: %w", err)
	}
	if isTrainer {
		return telemetry.RoleTrainer, true, nil
	}
	isHRM, err := p.HasService(ftms.ServiceUUIDHeartRate)
	if err != nil {
		return 0, false, fmt.Errorf("probe heart rate service: %w", err)
	}
	if isHRM {
		return telemetry.RoleHRM, true, nil
	}
	return 0, false, nil
}

// SetTargetPower clamps watts to the supported range and writes it to the
// trainer. It returns false when no trainer is connected or the write fails.
func (s *Service) SetTargetPower(watts int) bool {
	s.mu.Lock()
	l := s.links[telemetry.RoleTrainer]
	s.mu.Unlock()
	if l == nil || !l.peripheral.IsConnected() {
		return false
	}

	clamped := ftms.ClampTargetPower(watts)
	err := l.peripheral.WriteCharacteristic(ftms.ServiceUUIDFTMS, ftms.CharUUIDFTMSControlPoint, ftms.SetTargetPower(clamped))
	if err != nil {
		s.logger.Warn("DeviceService: set target power failed", zap.Int("watts", clamped), zap.Error(err))
		return false
	}
	s.logger.Debug("DeviceService: target power set", zap.Int("watts", clamped))
	return true
}

// DisconnectAll closes both links and stops any reconnect loop. It is safe to
// call repeatedly.
func (s *Service) DisconnectAll() {
	for _, role := range []telemetry.Role{telemetry.RoleTrainer, telemetry.RoleHRM} {
		s.closeLink(role)
	}
}

// closeLink tears down the role's link. The disconnect handler is removed
// first so the deliberate disconnect does not trigger a reconnect.
func (s *Service) closeLink(role telemetry.Role) {
	s.mu.Lock()
	l := s.links[role]
	delete(s.links, role)
	if role == telemetry.RoleTrainer {
		s.controlGranted = false
	}
	s.mu.Unlock()
	if l == nil {
		return
	}

	l.cancel()
	if l.unsubscribe != nil {
		l.unsubscribe()
	}
	if err := l.peripheral.Disconnect(); err != nil {
		s.logger.Warn("DeviceService: disconnect failed", zap.Stringer("role", role), zap.Error(err))
	}
	s.setState(role, telemetry.Disconnected, "")
	emitState(l.callbacks.onState, telemetry.Disconnected)
	s.logger.Info("DeviceService: disconnected", zap.Stringer("role", role))
}

// ConnectionStatus returns a snapshot of both roles
func (s *Service) ConnectionStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Trainer:        s.states[telemetry.RoleTrainer],
		TrainerName:    s.names[telemetry.RoleTrainer],
		HRM:            s.states[telemetry.RoleHRM],
		HRMName:        s.names[telemetry.RoleHRM],
		ControlGranted: s.controlGranted,
	}
}

// Shutdown disconnects everything and waits for reconnect loops to end
func (s *Service) Shutdown() {
	s.logger.Info("DeviceService: Shutting down")
	s.DisconnectAll()
	s.wg.Wait()
	s.logger.Info("DeviceService: Shutdown complete")
}

func (s *Service) hasLink(role telemetry.Role) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[role] != nil
}

// setState records the role's state. A non-empty name replaces the stored
// device name; Disconnected clears it.
func (s *Service) setState(role telemetry.Role, state telemetry.ConnectionState, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[role] = state
	switch {
	case name != "":
		s.names[role] = name
	case state == telemetry.Disconnected && s.links[role] == nil:
		delete(s.names, role)
	}
}

func emitState(fn func(telemetry.ConnectionState), state telemetry.ConnectionState) {
	if fn != nil {
		fn(state)
	}
}

func serviceUUIDFor(role telemetry.Role) string {
	if role == telemetry.RoleHRM {
		return ftms.ServiceUUIDHeartRate
	}
	return ftms.ServiceUUIDFTMS
}
