package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

const DefaultRuntimeSettingsFile = "/app/config/settings.json"

// RuntimeSettings is the scheduler policy that can be edited while the
// service runs. Durations are Go duration strings.
type RuntimeSettings struct {
	TickInterval      string `json:"tick_interval"`
	RequeueThrottle   string `json:"requeue_throttle"`
	ResponseTimeout   string `json:"response_timeout"`
	ThrottleStaleness string `json:"throttle_staleness"`
}

func RuntimeSettingsFilePath() string {
	return getEnvString("SETTINGS_FILE", DefaultRuntimeSettingsFile)
}

func (s RuntimeSettings) Validate() error {
	sched, err := s.Scheduler()
	if err != nil {
		return err
	}
	if _, err := cron.ParseStandard(EverySpec(sched.TickInterval)); err != nil {
		return errors.Wrap(err, "invalid tick_interval")
	}
	return sched.Validate()
}

// Scheduler parses the settings into a SchedulerConfig.
func (s RuntimeSettings) Scheduler() (SchedulerConfig, error) {
	var (
		ret SchedulerConfig
		err error
	)
	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"tick_interval", s.TickInterval, &ret.TickInterval},
		{"requeue_throttle", s.RequeueThrottle, &ret.RequeueThrottle},
		{"response_timeout", s.ResponseTimeout, &ret.ResponseTimeout},
		{"throttle_staleness", s.ThrottleStaleness, &ret.ThrottleStaleness},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return SchedulerConfig{}, errors.Newf("%s is required", f.name)
		}
		if *f.dst, err = time.ParseDuration(strings.TrimSpace(f.value)); err != nil {
			return SchedulerConfig{}, errors.Wrapf(err, "invalid %s", f.name)
		}
	}
	return ret, nil
}

// EverySpec is the cron spec for a fixed interval.
func EverySpec(d time.Duration) string {
	return "@every " + d.String()
}

func (c *Config) RuntimeSettings() RuntimeSettings {
	return c.Scheduler.RuntimeSettings()
}

func (s SchedulerConfig) RuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		TickInterval:      s.TickInterval.String(),
		RequeueThrottle:   s.RequeueThrottle.String(),
		ResponseTimeout:   s.ResponseTimeout.String(),
		ThrottleStaleness: s.ThrottleStaleness.String(),
	}
}

// WithRuntimeSettings overlays the valid fields of settings onto the
// scheduler config.
func WithRuntimeSettings(settings RuntimeSettings) Option {
	return func(c *Config) {
		apply := func(value string, dst *time.Duration) {
			if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && d > 0 {
				*dst = d
			}
		}
		apply(settings.TickInterval, &c.Scheduler.TickInterval)
		apply(settings.RequeueThrottle, &c.Scheduler.RequeueThrottle)
		apply(settings.ResponseTimeout, &c.Scheduler.ResponseTimeout)
		apply(settings.ThrottleStaleness, &c.Scheduler.ThrottleStaleness)
	}
}

func LoadRuntimeSettingsFile(path string) (RuntimeSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeSettings{}, err
	}
	var settings RuntimeSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return RuntimeSettings{}, errors.Wrap(err, "invalid settings file")
	}
	return settings, nil
}

func WriteRuntimeSettingsFile(path string, settings RuntimeSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	content, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	content = append(content, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

type RuntimeSettingsStore struct {
	path string

	mu      sync.RWMutex
	current RuntimeSettings
}

func NewRuntimeSettingsStore(path string, initial RuntimeSettings) (*RuntimeSettingsStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("settings file path is required")
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &RuntimeSettingsStore{
		path:    path,
		current: initial,
	}, nil
}

func (s *RuntimeSettingsStore) GetRuntimeSettings() (RuntimeSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

func (s *RuntimeSettingsStore) UpdateRuntimeSettings(next RuntimeSettings) (RuntimeSettings, error) {
	if err := next.Validate(); err != nil {
		return RuntimeSettings{}, err
	}
	if err := WriteRuntimeSettingsFile(s.path, next); err != nil {
		return RuntimeSettings{}, err
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	return next, nil
}
