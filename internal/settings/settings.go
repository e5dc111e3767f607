// Package settings serves process-wide platform switches stored in platform_settings.
package settings

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/genledger/internal/cache"
	"github.com/smallbiznis/genledger/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	KeySubmissionsPaused     = "submissions_paused"
	KeyMaxActiveJobsPerOwner = "max_active_jobs_per_owner"

	DefaultTTL = 30 * time.Second
)

var (
	ErrUnknownKey   = errors.New("unknown_setting")
	ErrInvalidValue = errors.New("invalid_setting_value")
)

// Settings is the parsed view of platform_settings. A zero MaxActiveJobsPerOwner disables the cap.
type Settings struct {
	SubmissionsPaused     bool
	MaxActiveJobsPerOwner int
}

type row struct {
	Key   string `gorm:"column:key"`
	Value string `gorm:"column:value"`
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	cache *cache.Refreshing[Settings]
}

func NewService(p Params) (*Service, error) {
	return newService(p.DB, p.Log, p.Clock, DefaultTTL)
}

func newService(db *gorm.DB, log *zap.Logger, clk clock.Clock, ttl time.Duration) (*Service, error) {
	s := &Service{db: db, log: log.Named("settings"), clock: clk}
	c, err := cache.NewRefreshing(s.load, ttl, clk)
	if err != nil {
		return nil, err
	}
	s.cache = c
	return s, nil
}

// Get returns cached settings. If a reload fails the last known values are kept.
func (s *Service) Get(ctx context.Context) (Settings, error) {
	current, err := s.cache.Get(ctx)
	if err != nil {
		s.log.Warn("settings reload failed, serving cached values", zap.Error(err))
		return current, err
	}
	return current, nil
}

// Set writes one setting and drops the local cache. Other processes see it after their TTL.
func (s *Service) Set(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	switch key {
	case KeySubmissionsPaused:
		if _, ok := ParseBool(value); !ok {
			return ErrInvalidValue
		}
	case KeyMaxActiveJobsPerOwner:
		if n, ok := ParseInt(value); !ok || n < 0 {
			return ErrInvalidValue
		}
	default:
		return ErrUnknownKey
	}

	err := s.db.WithContext(ctx).Exec(
		`INSERT INTO platform_settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.clock.Now(),
	).Error
	if err != nil {
		return err
	}
	s.cache.Invalidate()
	return nil
}

func (s *Service) load(ctx context.Context) (Settings, error) {
	var rows []row
	if err := s.db.WithContext(ctx).Raw(`SELECT key, value FROM platform_settings`).Scan(&rows).Error; err != nil {
		return Settings{}, err
	}

	var out Settings
	for _, r := range rows {
		switch r.Key {
		case KeySubmissionsPaused:
			if v, ok := ParseBool(r.Value); ok {
				out.SubmissionsPaused = v
			} else {
				s.log.Warn("ignoring malformed setting", zap.String("key", r.Key), zap.String("value", r.Value))
			}
		case KeyMaxActiveJobsPerOwner:
			if v, ok := ParseInt(r.Value); ok && v >= 0 {
				out.MaxActiveJobsPerOwner = v
			} else {
				s.log.Warn("ignoring malformed setting", zap.String("key", r.Key), zap.String("value", r.Value))
			}
		}
	}
	return out, nil
}

func ParseBool(value string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func ParseInt(value string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, false
	}
	return n, true
}

var Module = fx.Module("settings",
	fx.Provide(NewService),
)
