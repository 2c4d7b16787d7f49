package platform

import "context"

// Authenticator drives the interactive login that turns a phone number and
// a verification code into a session blob for a new assistant account.
type Authenticator interface {
	// BeginLogin asks the platform to send a verification code to phone.
	BeginLogin(ctx context.Context, phone string) (LoginAttempt, error)
}

// LoginAttempt is one in-flight login. Complete consumes the attempt; on
// success it returns the opaque session blob and the account's identity.
type LoginAttempt interface {
	Complete(ctx context.Context, code string) (sessionBlob string, user UserInfo, err error)
}
