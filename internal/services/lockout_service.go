package services

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/BradenHooton/bastion/pkg/logger"
	"github.com/google/uuid"
)

// LoginAttemptRepository persists the per-address failure ledger
type LoginAttemptRepository interface {
	Get(ctx context.Context, address string) (*models.LoginAttemptRecord, error)
	// Update runs fn on the current record (a fresh one if none exists) and
	// stores the result atomically with respect to other updates of address.
	Update(ctx context.Context, address string, fn func(*models.LoginAttemptRecord) error) (*models.LoginAttemptRecord, error)
	Delete(ctx context.Context, address string) error
	List(ctx context.Context) ([]*models.LoginAttemptRecord, error)
	ResetExpired(ctx context.Context, now time.Time) (int64, error)
	PurgeStale(ctx context.Context, before time.Time) (int64, error)
}

// AddressListRepository persists allowlist/denylist membership. An address
// is a member of at most one list; Add moves it.
type AddressListRepository interface {
	Add(ctx context.Context, entry *models.AddressListEntry) error
	Remove(ctx context.Context, address, list string) error
	Lookup(ctx context.Context, address string) (*models.AddressListEntry, error)
	List(ctx context.Context, list string) ([]*models.AddressListEntry, error)
}

// LoginHistoryRepository persists the capped login history
type LoginHistoryRepository interface {
	Append(ctx context.Context, entry *models.LoginHistoryEntry, capacity int) error
	List(ctx context.Context, limit int) ([]*models.LoginHistoryEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// LockoutConfig holds retention for the maintenance sweep
type LockoutConfig struct {
	HistoryRetention time.Duration
	StaleAfter       time.Duration
}

// DefaultLockoutConfig returns 30 days of history and 60 days before an idle
// record is purged
func DefaultLockoutConfig() LockoutConfig {
	return LockoutConfig{
		HistoryRetention: 30 * 24 * time.Hour,
		StaleAfter:       60 * 24 * time.Hour,
	}
}

// LockoutService owns the login attempt ledger, the address lists and the
// login history
type LockoutService struct {
	attempts LoginAttemptRepository
	lists    AddressListRepository
	history  LoginHistoryRepository
	settings SettingsProvider
	notifier LockoutNotifier
	config   LockoutConfig
	logger   *slog.Logger
	audit    *logger.AuditLogger
	now      func() time.Time
}

// NewLockoutService creates a new LockoutService
func NewLockoutService(
	attempts LoginAttemptRepository,
	lists AddressListRepository,
	history LoginHistoryRepository,
	settings SettingsProvider,
	notifier LockoutNotifier,
	config LockoutConfig,
	log *slog.Logger,
) *LockoutService {
	return &LockoutService{
		attempts: attempts,
		lists:    lists,
		history:  history,
		settings: settings,
		notifier: notifier,
		config:   config,
		logger:   log,
		audit:    logger.NewAuditLogger(log),
		now:      time.Now,
	}
}

// SweepResult reports what a maintenance sweep removed or reset
type SweepResult struct {
	HistoryDeleted  int64 `json:"history_deleted"`
	LockoutsExpired int64 `json:"lockouts_expired"`
	RecordsPurged   int64 `json:"records_purged"`
}

func normalizeAddress(address string) (string, error) {
	normalized, ok := pkghttp.NormalizeAddress(address)
	if !ok {
		return "", fmt.Errorf("%w: %q", models.ErrInvalidAddress, address)
	}
	return normalized, nil
}

// clientSignature is a truncated hash of address and user agent
func clientSignature(address, userAgent string) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", address, userAgent)))
	return fmt.Sprintf("%x", hash)[:32]
}

func (s *LockoutService) listMembership(ctx context.Context, address string) (string, error) {
	entry, err := s.lists.Lookup(ctx, address)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to look up address lists: %w", err)
	}
	return entry.List, nil
}

// Gate decides whether an authentication attempt from address may proceed.
// The allowlist overrides everything, then the denylist, then an active lockout.
func (s *LockoutService) Gate(ctx context.Context, address string) (models.GateDecision, error) {
	address, err := normalizeAddress(address)
	if err != nil {
		return models.GateDecision{}, err
	}

	list, err := s.listMembership(ctx, address)
	if err != nil {
		return models.GateDecision{}, err
	}
	switch list {
	case models.ListAllow:
		return models.GateDecision{Verdict: models.VerdictAllowed}, nil
	case models.ListDeny:
		return models.GateDecision{Verdict: models.VerdictPermanentlyBlocked}, nil
	}

	record, err := s.attempts.Get(ctx, address)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.GateDecision{Verdict: models.VerdictAllowed}, nil
		}
		return models.GateDecision{}, fmt.Errorf("failed to load login attempts: %w", err)
	}

	now := s.now()
	if record.IsLocked(now) {
		return models.GateDecision{
			Verdict:    models.VerdictTemporarilyLocked,
			RetryAfter: record.Remaining(now),
		}, nil
	}

	return models.GateDecision{Verdict: models.VerdictAllowed}, nil
}

// RecordFailure counts a failed authentication from address. Reaching the
// configured maximum locks the address out and resets the failure count.
func (s *LockoutService) RecordFailure(ctx context.Context, address, identity, userAgent string) error {
	address, err := normalizeAddress(address)
	if err != nil {
		return err
	}

	list, err := s.listMembership(ctx, address)
	if err != nil {
		return err
	}
	if list == models.ListAllow {
		return nil
	}

	settings, err := s.settings.Current(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	var (
		lockedOut bool
		long      bool
	)

	record, err := s.attempts.Update(ctx, address, func(rec *models.LoginAttemptRecord) error {
		lockedOut, long = false, false

		rec.FailCount++
		if rec.AttemptedIdentities == nil {
			rec.AttemptedIdentities = make(map[string]int)
		}
		rec.AttemptedIdentities[identity]++
		rec.LastAttemptTime = now

		if rec.FailCount < settings.MaxAttempts {
			return nil
		}

		lockedOut = true
		rec.LockoutCount++
		rec.FailCount = 0
		if rec.LockoutCount >= settings.LongLockoutThreshold {
			long = true
			rec.LockoutUntil = now.Add(settings.LongLockoutDuration)
		} else {
			rec.LockoutUntil = now.Add(settings.LockoutDuration)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record login failure: %w", err)
	}

	if lockedOut {
		s.onLockout(ctx, record, long, settings)
	}

	s.appendHistory(ctx, address, identity, userAgent, false)
	return nil
}

func (s *LockoutService) onLockout(ctx context.Context, record *models.LoginAttemptRecord, long bool, settings models.SecuritySettings) {
	s.audit.LogLockout(ctx, record.Address, record.LockoutCount, record.LockoutUntil, long)

	blacklisted := false
	if long && settings.AutoBlacklist {
		if err := s.addToList(ctx, record.Address, models.ListDeny, "automatic: repeated lockouts", "system"); err != nil {
			s.logger.Error("failed to auto-blacklist address",
				slog.String("address", record.Address),
				slog.Any("error", err))
		} else {
			blacklisted = true
		}
	}

	// the first short lockout is routine and not worth an email
	if !settings.NotifyAdmin || s.notifier == nil || (!long && record.LockoutCount <= 1) {
		return
	}

	s.notifier.NotifyLockout(ctx, LockoutNotice{
		Recipient:    settings.AdminEmail,
		Address:      record.Address,
		LockoutCount: record.LockoutCount,
		Until:        record.LockoutUntil,
		Long:         long,
		Blacklisted:  blacklisted,
		Identities:   maps.Clone(record.AttemptedIdentities),
	})
}

// RecordSuccess forgives the address entirely and logs the success
func (s *LockoutService) RecordSuccess(ctx context.Context, address, identity, userAgent string) error {
	address, err := normalizeAddress(address)
	if err != nil {
		return err
	}

	if err := s.attempts.Delete(ctx, address); err != nil && !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to clear login attempts: %w", err)
	}

	s.appendHistory(ctx, address, identity, userAgent, true)
	return nil
}

// history is an audit aid; a failed append never fails the login
func (s *LockoutService) appendHistory(ctx context.Context, address, identity, userAgent string, success bool) {
	entry := &models.LoginHistoryEntry{
		ID:              uuid.New().String(),
		Address:         address,
		Identity:        identity,
		Timestamp:       s.now(),
		Success:         success,
		ClientSignature: clientSignature(address, userAgent),
	}

	if err := s.history.Append(ctx, entry, models.LoginHistoryCapacity); err != nil {
		s.logger.Error("failed to append login history",
			slog.String("address", address),
			slog.Any("error", err))
	}
}

// AddToAllowlist allow-lists address, removing it from the denylist and
// clearing its attempt record
func (s *LockoutService) AddToAllowlist(ctx context.Context, address, reason, actor string) error {
	address, err := normalizeAddress(address)
	if err != nil {
		return err
	}

	if err := s.addToList(ctx, address, models.ListAllow, reason, actor); err != nil {
		return err
	}

	if err := s.attempts.Delete(ctx, address); err != nil && !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to clear login attempts: %w", err)
	}
	return nil
}

// AddToDenylist deny-lists address, removing it from the allowlist
func (s *LockoutService) AddToDenylist(ctx context.Context, address, reason, actor string) error {
	address, err := normalizeAddress(address)
	if err != nil {
		return err
	}
	return s.addToList(ctx, address, models.ListDeny, reason, actor)
}

func (s *LockoutService) addToList(ctx context.Context, address, list, reason, actor string) error {
	entry := &models.AddressListEntry{
		Address: address,
		List:    list,
		AddedAt: s.now(),
		Reason:  reason,
	}
	if err := s.lists.Add(ctx, entry); err != nil {
		return fmt.Errorf("failed to add address to %s: %w", list, err)
	}

	s.audit.LogListChange(ctx, "address_added", list, address, actor)
	return nil
}

// RemoveFromList deletes address from list. It returns models.ErrNotFound if
// the address is not on that list.
func (s *LockoutService) RemoveFromList(ctx context.Context, address, list, actor string) error {
	if list != models.ListAllow && list != models.ListDeny {
		return fmt.Errorf("%w: unknown list %q", models.ErrBadRequest, list)
	}

	address, err := normalizeAddress(address)
	if err != nil {
		return err
	}

	if err := s.lists.Remove(ctx, address, list); err != nil {
		return err
	}

	s.audit.LogListChange(ctx, "address_removed", list, address, actor)
	return nil
}

// ResetLoginAttempts clears the whole record for address, including the
// lockout count
func (s *LockoutService) ResetLoginAttempts(ctx context.Context, address, actor string) error {
	address, err := normalizeAddress(address)
	if err != nil {
		return err
	}

	if err := s.attempts.Delete(ctx, address); err != nil {
		return err
	}

	s.logger.Info("login attempts reset",
		slog.String("address", address),
		slog.String("actor", actor))
	return nil
}

// LoginAttempts lists every attempt record
func (s *LockoutService) LoginAttempts(ctx context.Context) ([]*models.LoginAttemptRecord, error) {
	return s.attempts.List(ctx)
}

// LoginAttempt returns the record for a single address
func (s *LockoutService) LoginAttempt(ctx context.Context, address string) (*models.LoginAttemptRecord, error) {
	address, err := normalizeAddress(address)
	if err != nil {
		return nil, err
	}
	return s.attempts.Get(ctx, address)
}

// AddressList returns the members of list
func (s *LockoutService) AddressList(ctx context.Context, list string) ([]*models.AddressListEntry, error) {
	if list != models.ListAllow && list != models.ListDeny {
		return nil, fmt.Errorf("%w: unknown list %q", models.ErrBadRequest, list)
	}
	return s.lists.List(ctx, list)
}

// LoginHistory returns up to limit entries, newest first
func (s *LockoutService) LoginHistory(ctx context.Context, limit int) ([]*models.LoginHistoryEntry, error) {
	if limit <= 0 || limit > models.LoginHistoryCapacity {
		limit = models.LoginHistoryCapacity
	}
	return s.history.List(ctx, limit)
}

// Sweep drops old history, resets lockouts that have run out and purges
// records idle past the stale horizon. Lockout counts and address lists
// survive.
func (s *LockoutService) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.now()
	var result SweepResult
	var err error

	result.HistoryDeleted, err = s.history.DeleteBefore(ctx, now.Add(-s.config.HistoryRetention))
	if err != nil {
		return result, fmt.Errorf("failed to delete old login history: %w", err)
	}

	result.LockoutsExpired, err = s.attempts.ResetExpired(ctx, now)
	if err != nil {
		return result, fmt.Errorf("failed to reset expired lockouts: %w", err)
	}

	result.RecordsPurged, err = s.attempts.PurgeStale(ctx, now.Add(-s.config.StaleAfter))
	if err != nil {
		return result, fmt.Errorf("failed to purge stale login attempts: %w", err)
	}

	s.logger.Info("login attempt sweep completed",
		slog.Int64("history_deleted", result.HistoryDeleted),
		slog.Int64("lockouts_expired", result.LockoutsExpired),
		slog.Int64("records_purged", result.RecordsPurged))

	return result, nil
}
