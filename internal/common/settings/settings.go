// Package settings serves the options operators may change while the server
// runs. Values come from the config file and can be overridden in a Redis
// hash; overrides are announced on a Redis channel.
package settings

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"inloop/internal/common/cache"
	appErr "inloop/pkg/errors"
	"inloop/pkg/utils/logger"

	"go.uber.org/zap"
)

// Option names.
const (
	MaxSubmissions            = "MAX_SUBMISSIONS"
	DeadlineTolerance         = "DEADLINE_TOLERANCE"
	AllowedFilenameExtensions = "ALLOWED_FILENAME_EXTENSIONS"
	GitloadURL                = "GITLOAD_URL"
	GitloadBranch             = "GITLOAD_BRANCH"
)

const (
	overridesKey  = "inloop:settings"
	changeChannel = "inloop:settings:changed"
)

// Store is the Redis surface settings need.
type Store interface {
	cache.HashOps
	cache.PubSubOps
}

// Hook observes a changed option. value is the new effective value.
type Hook func(ctx context.Context, name, value string)

// Settings reads options with overrides applied.
type Settings struct {
	defaults map[string]string
	store    Store

	mu    sync.RWMutex
	hooks map[string][]Hook
}

// New creates settings over defaults. Only names present in defaults are
// known. store may be nil, in which case the defaults are fixed.
func New(defaults map[string]string, store Store) *Settings {
	d := make(map[string]string, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &Settings{defaults: d, store: store, hooks: make(map[string][]Hook)}
}

// Names returns the known option names in order.
func (s *Settings) Names() []string {
	names := make([]string, 0, len(s.defaults))
	for name := range s.defaults {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the effective value of name. An unreachable store falls back
// to the default.
func (s *Settings) Get(ctx context.Context, name string) (string, error) {
	def, ok := s.defaults[name]
	if !ok {
		return "", appErr.Newf(appErr.InvalidArgument, "unknown setting %q", name)
	}
	if s.store == nil {
		return def, nil
	}
	overrides, err := s.store.HGetAll(ctx, overridesKey)
	if err != nil {
		logger.Warn(ctx, "read setting overrides failed, using default", zap.String("setting", name), zap.Error(err))
		return def, nil
	}
	if v, ok := overrides[name]; ok {
		return v, nil
	}
	return def, nil
}

// All returns every effective value.
func (s *Settings) All(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(s.defaults))
	for k, v := range s.defaults {
		out[k] = v
	}
	if s.store == nil {
		return out, nil
	}
	overrides, err := s.store.HGetAll(ctx, overridesKey)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CacheError)
	}
	for k, v := range overrides {
		if _, ok := out[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// Int returns name as an integer, or fallback when unset or malformed.
func (s *Settings) Int(ctx context.Context, name string, fallback int) int {
	v, err := s.Get(ctx, name)
	if err != nil {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		logger.Warn(ctx, "setting is not an integer", zap.String("setting", name), zap.String("value", v))
		return fallback
	}
	return n
}

// Seconds returns name, a number of seconds, as a duration.
func (s *Settings) Seconds(ctx context.Context, name string, fallback time.Duration) time.Duration {
	n := s.Int(ctx, name, -1)
	if n < 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// Set stores an override and announces the change.
func (s *Settings) Set(ctx context.Context, name, value string) error {
	if _, ok := s.defaults[name]; !ok {
		return appErr.Newf(appErr.InvalidArgument, "unknown setting %q", name)
	}
	if err := validate(name, value); err != nil {
		return err
	}
	if s.store == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("settings store is not configured")
	}
	if err := s.store.HSet(ctx, overridesKey, name, value); err != nil {
		return appErr.Wrap(err, appErr.CacheError)
	}
	return s.announce(ctx, name)
}

// Reset drops the override of name.
func (s *Settings) Reset(ctx context.Context, name string) error {
	if _, ok := s.defaults[name]; !ok {
		return appErr.Newf(appErr.InvalidArgument, "unknown setting %q", name)
	}
	if s.store == nil {
		return nil
	}
	if err := s.store.HDel(ctx, overridesKey, name); err != nil {
		return appErr.Wrap(err, appErr.CacheError)
	}
	return s.announce(ctx, name)
}

func (s *Settings) announce(ctx context.Context, name string) error {
	if err := s.store.Publish(ctx, changeChannel, name); err != nil {
		return appErr.Wrap(err, appErr.CacheError)
	}
	return nil
}

// OnChange registers hook for the named options.
func (s *Settings) OnChange(hook Hook, names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		s.hooks[name] = append(s.hooks[name], hook)
	}
}

// Watch subscribes to change announcements and runs the hooks of each
// changed option until ctx is done. It returns once the subscription is
// established.
func (s *Settings) Watch(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	changes, err := s.store.Subscribe(ctx, changeChannel)
	if err != nil {
		return appErr.Wrap(err, appErr.CacheError)
	}
	go func() {
		for name := range changes {
			s.notify(ctx, name)
		}
	}()
	return nil
}

func (s *Settings) notify(ctx context.Context, name string) {
	s.mu.RLock()
	hooks := append([]Hook(nil), s.hooks[name]...)
	s.mu.RUnlock()
	if len(hooks) == 0 {
		return
	}
	value, err := s.Get(ctx, name)
	if err != nil {
		return
	}
	logger.Info(ctx, "setting changed", zap.String("setting", name), zap.String("value", value))
	for _, hook := range hooks {
		hook(ctx, name, value)
	}
}

// Origin returns the repository URL and branch for the task loader.
func (s *Settings) Origin(ctx context.Context) (string, string) {
	url, _ := s.Get(ctx, GitloadURL)
	branch, _ := s.Get(ctx, GitloadBranch)
	return url, branch
}

func validate(name, value string) error {
	switch name {
	case MaxSubmissions:
		if _, err := strconv.Atoi(strings.TrimSpace(value)); err != nil {
			return appErr.Newf(appErr.InvalidValue, "%s must be an integer", name)
		}
	case DeadlineTolerance:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return appErr.Newf(appErr.InvalidValue, "%s must be a non-negative number of seconds", name)
		}
	case GitloadBranch:
		if strings.TrimSpace(value) == "" {
			return appErr.Newf(appErr.InvalidValue, "%s must not be empty", name)
		}
	}
	return nil
}
