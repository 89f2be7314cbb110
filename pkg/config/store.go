package config

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ericogr/ina219-logger/pkg/errcode"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	MinSampleIntervalMs     = 100
	MaxSampleIntervalMs     = 60000
	DefaultSampleIntervalMs = 1000

	keySampleInterval = "sample_interval_ms"
	keyLoggingEnabled = "logging_enabled"
)

// Settings are the values an operator can change at runtime.
type Settings struct {
	SampleIntervalMs int  `json:"log_interval_ms"`
	LoggingEnabled   bool `json:"logging_enabled"`
}

func (s Settings) SampleInterval() time.Duration {
	return time.Duration(s.SampleIntervalMs) * time.Millisecond
}

// setting is one row of the key/value table.
type setting struct {
	Name      string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

// Store persists Settings in sqlite and serves them from memory.
type Store struct {
	db *gorm.DB

	mu  sync.RWMutex
	cur Settings
}

func ValidateInterval(ms int) error {
	if ms < MinSampleIntervalMs || ms > MaxSampleIntervalMs {
		return errcode.New(errcode.InvalidInterval, "config",
			fmt.Errorf("sample interval %d ms outside [%d, %d]", ms, MinSampleIntervalMs, MaxSampleIntervalMs))
	}
	return nil
}

// OpenStore opens (creating if needed) the settings database at path. Keys
// not yet stored take their value from defaults.
func OpenStore(path string, defaults Settings) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open settings database: %w", err)
	}
	if err := db.AutoMigrate(&setting{}); err != nil {
		return nil, fmt.Errorf("migrate settings database: %w", err)
	}

	s := &Store{db: db, cur: defaults}
	var rows []setting
	if err := db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	for _, r := range rows {
		switch r.Name {
		case keySampleInterval:
			v, err := strconv.Atoi(r.Value)
			if err != nil || ValidateInterval(v) != nil {
				// keep the default rather than refusing to start
				continue
			}
			s.cur.SampleIntervalMs = v
		case keyLoggingEnabled:
			if v, err := strconv.ParseBool(r.Value); err == nil {
				s.cur.LoggingEnabled = v
			}
		}
	}
	if ValidateInterval(s.cur.SampleIntervalMs) != nil {
		s.cur.SampleIntervalMs = DefaultSampleIntervalMs
	}
	return s, nil
}

func (s *Store) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *Store) SampleInterval() time.Duration {
	return s.Current().SampleInterval()
}

// SetSampleInterval persists ms. Values outside the accepted range are
// rejected with errcode.InvalidInterval and change nothing.
func (s *Store) SetSampleInterval(ms int) error {
	if err := ValidateInterval(ms); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.put(keySampleInterval, strconv.Itoa(ms)); err != nil {
		return err
	}
	s.cur.SampleIntervalMs = ms
	return nil
}

func (s *Store) SetLoggingEnabled(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.put(keyLoggingEnabled, strconv.FormatBool(on)); err != nil {
		return err
	}
	s.cur.LoggingEnabled = on
	return nil
}

func (s *Store) put(name, value string) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&setting{Name: name, Value: value}).Error
	if err != nil {
		return fmt.Errorf("store %s: %w", name, err)
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
