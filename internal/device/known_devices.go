package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-core/internal/kvstore"
	"go.uber.org/zap"
)

// KnownDevicesKey is the store key of the known-device registry
const KnownDevicesKey = "known_devices"

// KnownDevice is a peripheral that connected successfully before and may be
// reconnected without prompting
type KnownDevice struct {
	Address       string    `json:"address"`
	Name          string    `json:"name"`
	Role          string    `json:"role"`
	LastConnected time.Time `json:"last_connected"`
}

type knownDevicesData struct {
	Devices []KnownDevice `json:"devices"`
}

// KnownDevices is the persisted registry of previously connected peripherals,
// most recently connected first
type KnownDevices struct {
	store  kvstore.Store
	logger *zap.Logger
	mu     sync.Mutex
}

func NewKnownDevices(store kvstore.Store, logger *zap.Logger) *KnownDevices {
	if store == nil {
		panic("KnownDevices: store cannot be nil")
	}
	if logger == nil {
		panic("KnownDevices: logger cannot be nil")
	}
	return &KnownDevices{store: store, logger: logger}
}

// List returns every known device
func (k *KnownDevices) List(ctx context.Context) ([]KnownDevice, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	data, err := k.load(ctx)
	if err != nil {
		return nil, err
	}
	return data.Devices, nil
}

// Remember records d, replacing any entry with the same address
func (k *KnownDevices) Remember(ctx context.Context, d KnownDevice) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	data, err := k.load(ctx)
	if err != nil {
		k.logger.Warn("KnownDevices: discarding unreadable registry", zap.Error(err))
		data = knownDevicesData{}
	}
	devices := make([]KnownDevice, 0, len(data.Devices)+1)
	devices = append(devices, d)
	for _, existing := range data.Devices {
		if !strings.EqualFold(existing.Address, d.Address) {
			devices = append(devices, existing)
		}
	}
	data.Devices = devices

	k.logger.Info("KnownDevices: remember",
		zap.String("address", d.Address),
		zap.String("name", d.Name),
		zap.String("role", d.Role))
	return k.save(ctx, data)
}

// Forget removes the device with address
func (k *KnownDevices) Forget(ctx context.Context, address string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	data, err := k.load(ctx)
	if err != nil {
		return err
	}
	devices := data.Devices[:0]
	for _, existing := range data.Devices {
		if !strings.EqualFold(existing.Address, address) {
			devices = append(devices, existing)
		}
	}
	data.Devices = devices
	k.logger.Info("KnownDevices: forget", zap.String("address", address))
	return k.save(ctx, data)
}

func (k *KnownDevices) load(ctx context.Context) (knownDevicesData, error) {
	var data knownDevicesData
	raw, err := k.store.Get(ctx, KnownDevicesKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return data, nil
	}
	if err != nil {
		return data, fmt.Errorf("load known devices: %w", err)
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return knownDevicesData{}, fmt.Errorf("parse known devices: %w", err)
	}
	return data, nil
}

func (k *KnownDevices) save(ctx context.Context, data knownDevicesData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal known devices: %w", err)
	}
	if err := k.store.Set(ctx, KnownDevicesKey, raw); err != nil {
		return fmt.Errorf("save known devices: %w", err)
	}
	return nil
}
