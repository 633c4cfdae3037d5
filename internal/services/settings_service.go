package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/go-playground/validator/v10"
)

// SettingsStore is the host's global key/value settings store.
// Values are JSON documents.
type SettingsStore interface {
	Get(ctx context.Context, name string) (string, bool, error)
	Set(ctx context.Context, name, value string) error
	All(ctx context.Context) (map[string]string, error)
}

// SettingsProvider exposes the effective security settings
type SettingsProvider interface {
	Current(ctx context.Context) (models.SecuritySettings, error)
}

// SettingsService reads and writes the typed security settings on top of the
// raw settings store, falling back to defaults for anything unset
type SettingsService struct {
	store    SettingsStore
	defaults models.SecuritySettings
	validate *validator.Validate
	logger   *slog.Logger
}

// NewSettingsService creates a new SettingsService
func NewSettingsService(store SettingsStore, defaults models.SecuritySettings, logger *slog.Logger) *SettingsService {
	return &SettingsService{
		store:    store,
		defaults: defaults,
		validate: validator.New(),
		logger:   logger,
	}
}

// Defaults returns the settings used when nothing is stored
func (s *SettingsService) Defaults() models.SecuritySettings {
	return s.defaults
}

// Current loads every stored setting over the defaults.
// A malformed stored value is logged and the default kept.
func (s *SettingsService) Current(ctx context.Context) (models.SecuritySettings, error) {
	raw, err := s.store.All(ctx)
	if err != nil {
		return models.SecuritySettings{}, fmt.Errorf("failed to load settings: %w", err)
	}

	settings := s.defaults
	settings.TwoFactorRoles = append([]string(nil), s.defaults.TwoFactorRoles...)

	for name, target := range settingTargets(&settings) {
		value, ok := raw[name]
		if !ok {
			continue
		}
		if err := target.decode(value); err != nil {
			s.logger.Warn("ignoring malformed setting",
				slog.String("name", name),
				slog.Any("error", err))
		}
	}

	return settings, nil
}

// Update validates and persists every field of settings
func (s *SettingsService) Update(ctx context.Context, settings models.SecuritySettings) error {
	if err := s.validate.Struct(settings); err != nil {
		return fmt.Errorf("%w: %v", models.ErrBadRequest, err)
	}

	for name, target := range settingTargets(&settings) {
		value, err := target.encode()
		if err != nil {
			return fmt.Errorf("failed to encode setting %s: %w", name, err)
		}
		if err := s.store.Set(ctx, name, value); err != nil {
			return fmt.Errorf("failed to store setting %s: %w", name, err)
		}
	}

	s.logger.Info("security settings updated",
		slog.Int("max_attempts", settings.MaxAttempts),
		slog.Duration("lockout_duration", settings.LockoutDuration),
		slog.String("block_type", settings.BlockType),
		slog.String("twofa_method", settings.TwoFactorMethod))

	return nil
}

// Set writes a single named setting after validating the resulting settings
func (s *SettingsService) Set(ctx context.Context, name, value string) error {
	settings, err := s.Current(ctx)
	if err != nil {
		return err
	}

	target, ok := settingTargets(&settings)[name]
	if !ok {
		return fmt.Errorf("%w: unknown setting %q", models.ErrBadRequest, name)
	}
	if err := target.decode(value); err != nil {
		return fmt.Errorf("%w: %v", models.ErrBadRequest, err)
	}
	if err := s.validate.Struct(settings); err != nil {
		return fmt.Errorf("%w: %v", models.ErrBadRequest, err)
	}

	encoded, err := target.encode()
	if err != nil {
		return err
	}
	return s.store.Set(ctx, name, encoded)
}

// settingField binds one stored setting name to a field of SecuritySettings
type settingField struct {
	decode func(string) error
	encode func() (string, error)
}

func jsonField[T any](field *T) settingField {
	return settingField{
		decode: func(value string) error {
			var v T
			if err := json.Unmarshal([]byte(value), &v); err != nil {
				return err
			}
			*field = v
			return nil
		},
		encode: func() (string, error) {
			b, err := json.Marshal(*field)
			return string(b), err
		},
	}
}

// durations are stored as whole seconds
func secondsField(field *time.Duration) settingField {
	return settingField{
		decode: func(value string) error {
			var seconds int64
			if err := json.Unmarshal([]byte(value), &seconds); err != nil {
				return err
			}
			if seconds < 0 {
				return fmt.Errorf("duration must not be negative")
			}
			*field = time.Duration(seconds) * time.Second
			return nil
		},
		encode: func() (string, error) {
			return fmt.Sprintf("%d", int64(field.Seconds())), nil
		},
	}
}

func settingTargets(s *models.SecuritySettings) map[string]settingField {
	return map[string]settingField{
		models.SettingMaxAttempts:          jsonField(&s.MaxAttempts),
		models.SettingLockoutDuration:      secondsField(&s.LockoutDuration),
		models.SettingLongLockoutThreshold: jsonField(&s.LongLockoutThreshold),
		models.SettingLongLockoutDuration:  secondsField(&s.LongLockoutDuration),
		models.SettingAutoBlacklist:        jsonField(&s.AutoBlacklist),
		models.SettingNotifyAdmin:          jsonField(&s.NotifyAdmin),
		models.SettingAdminEmail:           jsonField(&s.AdminEmail),
		models.SettingBlockType:            jsonField(&s.BlockType),
		models.SettingSiteWideBlock:        jsonField(&s.SiteWideBlock),
		models.SettingTwoFactorRoles:       jsonField(&s.TwoFactorRoles),
		models.SettingTwoFactorMethod:      jsonField(&s.TwoFactorMethod),
	}
}
