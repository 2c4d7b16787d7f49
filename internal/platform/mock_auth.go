package platform

import (
	"context"
	"errors"
	"sync"
)

// ErrBadLoginCode is what MockAuthenticator returns for a wrong code.
var ErrBadLoginCode = errors.New("platform: verification code rejected")

// MockAuthenticator implements Authenticator for testing. Each phone maps
// to an expected code and the resulting account.
type MockAuthenticator struct {
	mu       sync.Mutex
	accounts map[string]MockAccount // key: phone
	beginErr error
	begins   int
}

// MockAccount is the fixture behind one phone number.
type MockAccount struct {
	Code string
	Blob string
	User UserInfo
}

// NewMockAuthenticator creates an empty MockAuthenticator.
func NewMockAuthenticator() *MockAuthenticator {
	return &MockAuthenticator{accounts: make(map[string]MockAccount)}
}

// RegisterAccount makes phone resolvable with the given code.
func (a *MockAuthenticator) RegisterAccount(phone string, acct MockAccount) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts[phone] = acct
}

// FailBegin makes BeginLogin fail.
func (a *MockAuthenticator) FailBegin(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.beginErr = err
}

// Begins returns the number of BeginLogin calls.
func (a *MockAuthenticator) Begins() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.begins
}

// BeginLogin implements Authenticator. Unknown phones still yield an
// attempt; the failure surfaces at Complete, as it does on real platforms.
func (a *MockAuthenticator) BeginLogin(ctx context.Context, phone string) (LoginAttempt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.begins++
	if a.beginErr != nil {
		return nil, a.beginErr
	}
	acct, ok := a.accounts[phone]
	return &mockLoginAttempt{acct: acct, known: ok}, nil
}

type mockLoginAttempt struct {
	acct  MockAccount
	known bool
}

// Complete implements LoginAttempt.
func (l *mockLoginAttempt) Complete(ctx context.Context, code string) (string, UserInfo, error) {
	if !l.known || code != l.acct.Code {
		return "", UserInfo{}, ErrBadLoginCode
	}
	return l.acct.Blob, l.acct.User, nil
}
