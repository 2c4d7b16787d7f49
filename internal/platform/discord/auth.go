package discord

import (
	"context"
	"errors"

	"github.com/voxpool/chorus/internal/platform"
)

// ErrNoInteractiveLogin is returned for phone-based onboarding: Discord
// issues account tokens out of band, so assistants are added with their
// token through the CLI instead.
var ErrNoInteractiveLogin = errors.New("discord: no phone login; add assistants by token via the CLI")

// Authenticator implements platform.Authenticator for Discord by rejecting
// the interactive flow with a pointer at the token path.
type Authenticator struct{}

// BeginLogin implements platform.Authenticator.
func (Authenticator) BeginLogin(ctx context.Context, phone string) (platform.LoginAttempt, error) {
	return nil, ErrNoInteractiveLogin
}
