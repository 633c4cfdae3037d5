package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"golang.org/x/crypto/bcrypt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fakeClock is a settable time source
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// ============================================================================
// Settings
// ============================================================================

type staticSettings struct {
	settings models.SecuritySettings
	err      error
}

func (s *staticSettings) Current(ctx context.Context) (models.SecuritySettings, error) {
	return s.settings, s.err
}

type memSettingsStore struct {
	mu     sync.Mutex
	values map[string]string
	AllErr error
}

func newMemSettingsStore() *memSettingsStore {
	return &memSettingsStore{values: make(map[string]string)}
}

func (m *memSettingsStore) Get(ctx context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[name]
	return v, ok, nil
}

func (m *memSettingsStore) Set(ctx context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
	return nil
}

func (m *memSettingsStore) All(ctx context.Context) (map[string]string, error) {
	if m.AllErr != nil {
		return nil, m.AllErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

// ============================================================================
// Accounts & attributes
// ============================================================================

type memAccounts struct {
	byID map[string]*models.Account
}

func newMemAccounts(accounts ...*models.Account) *memAccounts {
	m := &memAccounts{byID: make(map[string]*models.Account)}
	for _, a := range accounts {
		m.byID[a.ID] = a
	}
	return m
}

func (m *memAccounts) GetByID(ctx context.Context, id string) (*models.Account, error) {
	if a, ok := m.byID[id]; ok {
		return a, nil
	}
	return nil, models.ErrNotFound
}

func (m *memAccounts) GetByLogin(ctx context.Context, login string) (*models.Account, error) {
	for _, a := range m.byID {
		if a.Login == login || a.Email == login {
			return a, nil
		}
	}
	return nil, models.ErrNotFound
}

func newTestAccount(id, login, password string, roles ...string) *models.Account {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return &models.Account{
		ID:           id,
		Login:        login,
		Email:        login + "@example.com",
		PasswordHash: string(hash),
		Roles:        roles,
	}
}

type memAttrs struct {
	mu     sync.Mutex
	values map[string]map[string]string
}

func newMemAttrs() *memAttrs {
	return &memAttrs{values: make(map[string]map[string]string)}
}

func (m *memAttrs) Get(ctx context.Context, accountID, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[accountID][key]
	return v, ok, nil
}

func (m *memAttrs) Set(ctx context.Context, accountID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(accountID, key, value)
	return nil
}

func (m *memAttrs) setLocked(accountID, key, value string) {
	if m.values[accountID] == nil {
		m.values[accountID] = make(map[string]string)
	}
	m.values[accountID][key] = value
}

func (m *memAttrs) Delete(ctx context.Context, accountID string, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values[accountID], k)
	}
	return nil
}

func (m *memAttrs) Update(ctx context.Context, accountID, key string, fn func(string, bool) (string, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, found := m.values[accountID][key]
	next, err := fn(current, found)
	if err != nil {
		return err
	}
	m.setLocked(accountID, key, next)
	return nil
}

func (m *memAttrs) GetAll(ctx context.Context, accountID string, keys ...string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for _, k := range keys {
		if v, ok := m.values[accountID][k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// ============================================================================
// Challenge sessions
// ============================================================================

type memSessions struct {
	mu       sync.Mutex
	sessions map[string]models.ChallengeSession
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[string]models.ChallengeSession)}
}

func (m *memSessions) Get(ctx context.Context, token string) (*models.ChallengeSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &s, nil
}

func (m *memSessions) Save(ctx context.Context, session *models.ChallengeSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.Token] = *session
	return nil
}

func (m *memSessions) Delete(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[token]; !ok {
		return models.ErrNotFound
	}
	delete(m.sessions, token)
	return nil
}

func (m *memSessions) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for token, s := range m.sessions {
		if s.IsExpired(now) {
			delete(m.sessions, token)
			n++
		}
	}
	return n, nil
}

func (m *memSessions) DeleteByAccount(ctx context.Context, accountID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for token, s := range m.sessions {
		if s.AccountID == accountID {
			delete(m.sessions, token)
			n++
		}
	}
	return n, nil
}

func (m *memSessions) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ============================================================================
// Lockout ledger
// ============================================================================

type memAttempts struct {
	mu      sync.Mutex
	records map[string]*models.LoginAttemptRecord
}

func newMemAttempts() *memAttempts {
	return &memAttempts{records: make(map[string]*models.LoginAttemptRecord)}
}

func cloneRecord(r *models.LoginAttemptRecord) *models.LoginAttemptRecord {
	c := *r
	c.AttemptedIdentities = make(map[string]int, len(r.AttemptedIdentities))
	for k, v := range r.AttemptedIdentities {
		c.AttemptedIdentities[k] = v
	}
	return &c
}

func (m *memAttempts) Get(ctx context.Context, address string) (*models.LoginAttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[address]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *memAttempts) Update(ctx context.Context, address string, fn func(*models.LoginAttemptRecord) error) (*models.LoginAttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := models.NewLoginAttemptRecord(address)
	if existing, ok := m.records[address]; ok {
		rec = cloneRecord(existing)
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	m.records[address] = cloneRecord(rec)
	return rec, nil
}

func (m *memAttempts) Delete(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[address]; !ok {
		return models.ErrNotFound
	}
	delete(m.records, address)
	return nil
}

func (m *memAttempts) List(ctx context.Context) ([]*models.LoginAttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.LoginAttemptRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (m *memAttempts) ResetExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.records {
		if !r.LockoutUntil.IsZero() && !r.LockoutUntil.After(now) {
			r.LockoutUntil = time.Time{}
			r.FailCount = 0
			n++
		}
	}
	return n, nil
}

func (m *memAttempts) PurgeStale(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for addr, r := range m.records {
		if !r.LastAttemptTime.Before(before) {
			continue
		}
		if r.LockoutCount == 0 {
			delete(m.records, addr)
			n++
			continue
		}
		if r.FailCount == 0 && r.LockoutUntil.IsZero() && len(r.AttemptedIdentities) == 0 {
			continue
		}
		n++
		r.FailCount = 0
		r.AttemptedIdentities = map[string]int{}
		r.LockoutUntil = time.Time{}
	}
	return n, nil
}

type memLists struct {
	mu      sync.Mutex
	entries map[string]*models.AddressListEntry
}

func newMemLists() *memLists {
	return &memLists{entries: make(map[string]*models.AddressListEntry)}
}

func (m *memLists) Add(ctx context.Context, entry *models.AddressListEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *entry
	m.entries[entry.Address] = &c
	return nil
}

func (m *memLists) Remove(ctx context.Context, address, list string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[address]
	if !ok || e.List != list {
		return models.ErrNotFound
	}
	delete(m.entries, address)
	return nil
}

func (m *memLists) Lookup(ctx context.Context, address string) (*models.AddressListEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[address]
	if !ok {
		return nil, models.ErrNotFound
	}
	c := *e
	return &c, nil
}

func (m *memLists) List(ctx context.Context, list string) ([]*models.AddressListEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AddressListEntry
	for _, e := range m.entries {
		if e.List == list {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

type memHistory struct {
	mu      sync.Mutex
	entries []*models.LoginHistoryEntry
	err     error
}

func (m *memHistory) Append(ctx context.Context, entry *models.LoginHistoryEntry, capacity int) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	if len(m.entries) > capacity {
		m.entries = m.entries[len(m.entries)-capacity:]
	}
	return nil
}

func (m *memHistory) List(ctx context.Context, limit int) ([]*models.LoginHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LoginHistoryEntry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *memHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	var n int64
	for _, e := range m.entries {
		if e.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return n, nil
}

func (m *memHistory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// ============================================================================
// Messaging & crypto
// ============================================================================

type sentMail struct {
	To, Subject, Body string
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *recordingMailer) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{To: to, Subject: subject, Body: body})
	return m.err
}

func (m *recordingMailer) Sent() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMail(nil), m.sent...)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []LockoutNotice
}

func (n *recordingNotifier) NotifyLockout(ctx context.Context, notice LockoutNotice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *recordingNotifier) Notices() []LockoutNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]LockoutNotice(nil), n.notices...)
}

// plainCipher marks sealed values without encrypting them
type plainCipher struct{}

func (plainCipher) Seal(plaintext string) (string, error) { return "sealed:" + plaintext, nil }

func (plainCipher) Open(sealed string) (string, error) {
	if len(sealed) < 7 || sealed[:7] != "sealed:" {
		return "", errors.New("not sealed")
	}
	return sealed[7:], nil
}
