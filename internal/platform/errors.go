package platform

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors adapters map platform failures onto. The supervisor and
// call manager branch on these with errors.Is; anything unrecognised is
// treated as a retriable transport error.
var (
	// ErrCredentialInvalid means the session blob is no longer accepted
	// (authorisation revoked or key unregistered).
	ErrCredentialInvalid = errors.New("platform: session credential invalid")

	// ErrBanned means the account behind the session was banned.
	ErrBanned = errors.New("platform: account banned")

	// ErrDeactivated means the account behind the session was deleted or
	// deactivated.
	ErrDeactivated = errors.New("platform: account deactivated")

	// ErrLacksRights means the session lacks the rights to perform the
	// operation in the target chat (e.g. creating a voice chat).
	ErrLacksRights = errors.New("platform: insufficient rights in target")

	// ErrCallEnded means the referenced call no longer exists platform-side.
	ErrCallEnded = errors.New("platform: call already ended")

	// ErrNotConnected means the client was used after Disconnect.
	ErrNotConnected = errors.New("platform: not connected")
)

// RateLimitError is a platform rate-limit hint carrying the mandated wait.
type RateLimitError struct {
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("platform: rate limited, retry after %s", e.Wait)
}

// RetryAfter extracts the rate-limit wait from an error chain. The second
// return is false when err carries no rate-limit hint.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.Wait, true
	}
	return 0, false
}

// Terminal reports whether err is unrecoverable for the session: retrying
// with the same credentials cannot succeed.
func Terminal(err error) bool {
	return errors.Is(err, ErrCredentialInvalid) ||
		errors.Is(err, ErrBanned) ||
		errors.Is(err, ErrDeactivated)
}
