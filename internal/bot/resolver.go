package bot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/voxpool/chorus/internal/playback"
)

// ErrUnresolvable means no resolver could turn the query into a track.
var ErrUnresolvable = errors.New("bot: cannot resolve query to a track")

// TrackResolver turns a user query into a playable track.
type TrackResolver interface {
	Resolve(ctx context.Context, query, requestedBy string) (playback.Track, error)
}

// DirectResolver plays http(s) URLs as-is. The title falls back to the
// last path element.
type DirectResolver struct{}

// Resolve implements TrackResolver.
func (DirectResolver) Resolve(ctx context.Context, query, requestedBy string) (playback.Track, error) {
	query = strings.TrimSpace(query)
	u, err := url.Parse(query)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return playback.Track{}, fmt.Errorf("%w: %q", ErrUnresolvable, query)
	}

	title := path.Base(u.Path)
	if title == "." || title == "/" || title == "" {
		title = u.Host
	}
	return playback.Track{
		Title:       title,
		Provider:    "direct",
		ProviderID:  query,
		StreamURL:   query,
		RequestedBy: requestedBy,
	}, nil
}

// ResolverChain tries resolvers in order, returning the first hit. Queries
// nobody recognises fail with ErrUnresolvable.
type ResolverChain []TrackResolver

// Resolve implements TrackResolver.
func (c ResolverChain) Resolve(ctx context.Context, query, requestedBy string) (playback.Track, error) {
	for _, r := range c {
		track, err := r.Resolve(ctx, query, requestedBy)
		if err == nil {
			return track, nil
		}
		if !errors.Is(err, ErrUnresolvable) {
			return playback.Track{}, err
		}
	}
	return playback.Track{}, fmt.Errorf("%w: %q", ErrUnresolvable, query)
}
