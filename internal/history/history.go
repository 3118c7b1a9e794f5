// Package history keeps the most recent finished rides in a local SQLite
// database.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/lowaak/smart-trainer/trainer-core/internal/ride"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DefaultLimit is the number of rides kept
const DefaultLimit = 30

var ErrNotFound = errors.New("ride not found")

// Ride is one stored ride. Summary columns are queryable; the points, RR
// intervals and zone times live in the JSON payload.
type Ride struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	ProfileID  string    `gorm:"index" json:"profileId,omitempty"`
	StartTime  time.Time `gorm:"index" json:"startTime"`
	DurationMs int64     `json:"durationMs"`
	AvgPower   int       `json:"avgPower"`
	MaxPower   int       `json:"maxPower"`
	AvgCadence int       `json:"avgCadence"`
	AvgHR      int       `json:"avgHr"`
	MaxHR      int       `json:"maxHr"`
	DistanceKm float64   `json:"distanceKm"`
	Payload    []byte    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (Ride) TableName() string {
	return "rides"
}

// Duration of the ride, pauses excluded
func (r Ride) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

// RideData decodes the stored payload. Rides returned by List carry no
// payload and fail here.
func (r Ride) RideData() (*ride.RideData, error) {
	if len(r.Payload) == 0 {
		return nil, fmt.Errorf("ride %s: payload not loaded", r.ID)
	}
	var data ride.RideData
	if err := json.Unmarshal(r.Payload, &data); err != nil {
		return nil, fmt.Errorf("ride %s: decode payload: %w", r.ID, err)
	}
	return &data, nil
}

// Store is the ride history
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	limit  int

	mu          sync.Mutex
	lastCreated time.Time // keeps insertion order strict for pruning
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string, limit int, logger *zap.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// one connection, so an in-memory database is shared by every query
	sqlDB.SetMaxOpenConns(1)

	return New(db, limit, logger)
}

// New wraps an open database and migrates the schema
func New(db *gorm.DB, limit int, logger *zap.Logger) (*Store, error) {
	if db == nil {
		panic("history: db cannot be nil")
	}
	if logger == nil {
		panic("history: logger cannot be nil")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if err := db.AutoMigrate(&Ride{}); err != nil {
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db, logger: logger, limit: limit}, nil
}

// Save stores a finished ride and prunes the oldest rides beyond the limit
func (s *Store) Save(ctx context.Context, data ride.RideData, profileID string) (Ride, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Ride{}, fmt.Errorf("encode ride: %w", err)
	}
	entry := Ride{
		ID:         uuid.NewString(),
		ProfileID:  profileID,
		StartTime:  data.StartTime.UTC(),
		DurationMs: data.Duration.Milliseconds(),
		AvgPower:   data.Summary.AvgPower,
		MaxPower:   data.Summary.MaxPower,
		AvgCadence: data.Summary.AvgCadence,
		AvgHR:      data.Summary.AvgHR,
		MaxHR:      data.Summary.MaxHR,
		DistanceKm: data.Summary.DistanceKm,
		Payload:    payload,
		CreatedAt:  s.nextCreatedAt(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		return s.pruneTx(tx)
	})
	if err != nil {
		return Ride{}, fmt.Errorf("save ride: %w", err)
	}
	s.logger.Info("History: ride saved",
		zap.String("id", entry.ID),
		zap.Duration("duration", entry.Duration()),
		zap.Float64("distanceKm", entry.DistanceKm))
	return entry, nil
}

func (s *Store) nextCreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if !now.After(s.lastCreated) {
		now = s.lastCreated.Add(time.Microsecond)
	}
	s.lastCreated = now
	return now
}

// pruneTx keeps the most recently saved rides. A recovered ride with an old
// start time counts as new.
func (s *Store) pruneTx(tx *gorm.DB) error {
	var ids []string
	if err := tx.Model(&Ride{}).Order("created_at desc").Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(ids) <= s.limit {
		return nil
	}
	stale := ids[s.limit:]
	if err := tx.Where("id IN ?", stale).Delete(&Ride{}).Error; err != nil {
		return err
	}
	s.logger.Debug("History: pruned old rides", zap.Int("count", len(stale)))
	return nil
}

// List returns rides newest first without their payload. An empty profileID
// lists every profile.
func (s *Store) List(ctx context.Context, profileID string) ([]Ride, error) {
	var rides []Ride
	q := s.db.WithContext(ctx).Omit("payload").Order("start_time desc, created_at desc")
	if profileID != "" {
		q = q.Where("profile_id = ?", profileID)
	}
	if err := q.Find(&rides).Error; err != nil {
		return nil, fmt.Errorf("list rides: %w", err)
	}
	return rides, nil
}

// Get returns one ride with its payload
func (s *Store) Get(ctx context.Context, id string) (Ride, error) {
	var r Ride
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Ride{}, ErrNotFound
	}
	if err != nil {
		return Ride{}, fmt.Errorf("get ride %s: %w", id, err)
	}
	return r, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Ride{})
	if res.Error != nil {
		return fmt.Errorf("delete ride %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear removes every ride
func (s *Store) Clear(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&Ride{}).Error; err != nil {
		return fmt.Errorf("clear rides: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
