package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.5:41000"
	return req
}

// WithClaims adds access token claims to the request context
func WithClaims(req *http.Request, accountID, login string) *http.Request {
	claims := &models.TokenClaims{
		Type:      auth.TokenTypeAccess,
		AccountID: accountID,
		Login:     login,
	}
	ctx := context.WithValue(req.Context(), auth.AccountContextKey, claims)
	return req.WithContext(ctx)
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"), "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) pkghttp.ErrorResponse {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
	return resp
}

// DiscardLogger returns a logger that drops everything
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockAuthService implements AuthServiceInterface for testing
type MockAuthService struct {
	LoginFunc func(ctx context.Context, attempt *models.LoginAttempt) (*services.AuthResponse, error)
	Attempts  []models.LoginAttempt
}

func (m *MockAuthService) Login(ctx context.Context, attempt *models.LoginAttempt) (*services.AuthResponse, error) {
	m.Attempts = append(m.Attempts, *attempt)
	if m.LoginFunc == nil {
		return nil, models.ErrInvalidCredentials
	}
	return m.LoginFunc(ctx, attempt)
}

// MockSettings implements services.SettingsProvider and SettingsAdminService
type MockSettings struct {
	Settings  models.SecuritySettings
	Err       error
	UpdateErr error
	Updated   *models.SecuritySettings
}

func (m *MockSettings) Current(ctx context.Context) (models.SecuritySettings, error) {
	return m.Settings, m.Err
}

func (m *MockSettings) Update(ctx context.Context, settings models.SecuritySettings) error {
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.Updated = &settings
	m.Settings = settings
	return nil
}

// MockAccountFetcher implements auth.AccountFetcher
type MockAccountFetcher struct {
	Accounts map[string]*models.Account
}

func (m *MockAccountFetcher) GetByID(ctx context.Context, id string) (*models.Account, error) {
	if a, ok := m.Accounts[id]; ok {
		return a, nil
	}
	return nil, models.ErrNotFound
}

// MockTwoFactorService implements TwoFactorServiceInterface for testing
type MockTwoFactorService struct {
	StatusFunc              func(ctx context.Context, account *models.Account) (*models.TwoFactorStatus, error)
	BeginEnrollmentFunc     func(ctx context.Context, account *models.Account) (*models.TwoFactorEnrollment, error)
	EnableFunc              func(ctx context.Context, account *models.Account, code string) ([]string, error)
	DisableFunc             func(ctx context.Context, accountID string) error
	IsVerificationCodeFunc  func(ctx context.Context, accountID, code string) (bool, error)
	ConsumeBackupCodeFunc   func(ctx context.Context, accountID, code string) (bool, error)
	GenerateBackupCodesFunc func(ctx context.Context, accountID string) ([]string, error)
	Disabled                bool
}

func (m *MockTwoFactorService) Status(ctx context.Context, account *models.Account) (*models.TwoFactorStatus, error) {
	if m.StatusFunc == nil {
		return &models.TwoFactorStatus{}, nil
	}
	return m.StatusFunc(ctx, account)
}

func (m *MockTwoFactorService) BeginEnrollment(ctx context.Context, account *models.Account) (*models.TwoFactorEnrollment, error) {
	return m.BeginEnrollmentFunc(ctx, account)
}

func (m *MockTwoFactorService) Enable(ctx context.Context, account *models.Account, code string) ([]string, error) {
	return m.EnableFunc(ctx, account, code)
}

func (m *MockTwoFactorService) Disable(ctx context.Context, accountID string) error {
	m.Disabled = true
	if m.DisableFunc == nil {
		return nil
	}
	return m.DisableFunc(ctx, accountID)
}

func (m *MockTwoFactorService) IsVerificationCodeValid(ctx context.Context, accountID, code string) (bool, error) {
	if m.IsVerificationCodeFunc == nil {
		return false, nil
	}
	return m.IsVerificationCodeFunc(ctx, accountID, code)
}

func (m *MockTwoFactorService) ConsumeBackupCode(ctx context.Context, accountID, code string) (bool, error) {
	if m.ConsumeBackupCodeFunc == nil {
		return false, nil
	}
	return m.ConsumeBackupCodeFunc(ctx, accountID, code)
}

func (m *MockTwoFactorService) GenerateBackupCodes(ctx context.Context, accountID string) ([]string, error) {
	return m.GenerateBackupCodesFunc(ctx, accountID)
}

// MockLockoutAdmin implements LockoutAdminService for testing
type MockLockoutAdmin struct {
	Records  []*models.LoginAttemptRecord
	Lists    map[string][]*models.AddressListEntry
	History  []*models.LoginHistoryEntry
	Err      error
	Calls    []string
	LastArgs []string
}

func (m *MockLockoutAdmin) record(call string, args ...string) {
	m.Calls = append(m.Calls, call)
	m.LastArgs = args
}

func (m *MockLockoutAdmin) LoginAttempts(ctx context.Context) ([]*models.LoginAttemptRecord, error) {
	m.record("LoginAttempts")
	return m.Records, m.Err
}

func (m *MockLockoutAdmin) LoginAttempt(ctx context.Context, address string) (*models.LoginAttemptRecord, error) {
	m.record("LoginAttempt", address)
	if m.Err != nil {
		return nil, m.Err
	}
	for _, r := range m.Records {
		if r.Address == address {
			return r, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MockLockoutAdmin) ResetLoginAttempts(ctx context.Context, address, actor string) error {
	m.record("ResetLoginAttempts", address, actor)
	return m.Err
}

func (m *MockLockoutAdmin) AddressList(ctx context.Context, list string) ([]*models.AddressListEntry, error) {
	m.record("AddressList", list)
	return m.Lists[list], m.Err
}

func (m *MockLockoutAdmin) AddToAllowlist(ctx context.Context, address, reason, actor string) error {
	m.record("AddToAllowlist", address, reason, actor)
	return m.Err
}

func (m *MockLockoutAdmin) AddToDenylist(ctx context.Context, address, reason, actor string) error {
	m.record("AddToDenylist", address, reason, actor)
	return m.Err
}

func (m *MockLockoutAdmin) RemoveFromList(ctx context.Context, address, list, actor string) error {
	m.record("RemoveFromList", address, list, actor)
	return m.Err
}

func (m *MockLockoutAdmin) LoginHistory(ctx context.Context, limit int) ([]*models.LoginHistoryEntry, error) {
	m.record("LoginHistory")
	if limit < len(m.History) {
		return m.History[:limit], m.Err
	}
	return m.History, m.Err
}

func (m *MockLockoutAdmin) Sweep(ctx context.Context) (services.SweepResult, error) {
	m.record("Sweep")
	return services.SweepResult{HistoryDeleted: 1, LockoutsExpired: 2, RecordsPurged: 3}, m.Err
}
