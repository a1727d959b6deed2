// Package catalog maintains the channel list ingested from the upstream
// FritzBox playlists.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/fritztv/fritztv/internal/httpclient"
	"github.com/fritztv/fritztv/pkg/m3u"
)

// Channel is a single tunable channel from the upstream playlists.
type Channel struct {
	// ID is derived from the upstream RTSP URL and is stable across
	// restarts so client URLs remain valid.
	ID   string `json:"id"`
	Name string `json:"name"`
	// Group and Logo come from tvg attributes when the playlist carries them.
	Group string `json:"group,omitempty"`
	Logo  string `json:"logo,omitempty"`
	// URL is the upstream RTSP URL. Never serialized to clients.
	URL string `json:"-"`
}

// ChannelID derives the stable channel identifier for an upstream URL.
func ChannelID(url string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(url))
}

// Catalog fetches and merges the configured playlists into an ordered
// channel list. Refreshes replace the snapshot wholesale; channels are
// never mutated in place.
type Catalog struct {
	urls   []string
	client *httpclient.Client
	logger *slog.Logger

	mu       sync.RWMutex
	channels []Channel
	byID     map[string]Channel
}

// New creates a catalog for the given playlist URLs. Fetches retry with
// backoff; the FritzBox occasionally drops the first request after a
// channel scan.
func New(urls []string, timeout time.Duration, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		urls: urls,
		client: httpclient.New(httpclient.Config{
			Timeout: timeout,
			Logger:  logger,
		}),
		logger: logger.With(slog.String("component", "catalog")),
		byID:   make(map[string]Channel),
	}
}

// Refresh fetches every configured playlist URL and replaces the channel
// snapshot with the merged result. A failure on one URL does not
// invalidate the rest; if the refresh yields zero channels the prior
// snapshot is retained.
func (c *Catalog) Refresh(ctx context.Context) error {
	var (
		merged []Channel
		seen   = make(map[string]struct{})
		errs   int
	)

	for _, url := range c.urls {
		entries, err := c.fetch(ctx, url)
		if err != nil {
			errs++
			c.logger.Warn("playlist fetch failed",
				slog.String("url", url),
				slog.String("error", err.Error()))
			continue
		}

		for _, e := range entries {
			ch := channelFromEntry(e)
			if _, dup := seen[ch.ID]; dup {
				c.logger.Warn("duplicate channel dropped",
					slog.String("id", ch.ID),
					slog.String("name", ch.Name))
				continue
			}
			seen[ch.ID] = struct{}{}
			merged = append(merged, ch)
		}

		c.logger.Info("playlist loaded",
			slog.String("url", url),
			slog.Int("channels", len(entries)))
	}

	if len(merged) == 0 {
		if errs > 0 {
			return fmt.Errorf("playlist refresh yielded no channels (%d fetch errors); keeping prior snapshot", errs)
		}
		return fmt.Errorf("playlist refresh yielded no channels; keeping prior snapshot")
	}

	byID := make(map[string]Channel, len(merged))
	for _, ch := range merged {
		byID[ch.ID] = ch
	}

	c.mu.Lock()
	c.channels = merged
	c.byID = byID
	c.mu.Unlock()

	c.logger.Info("catalog refreshed", slog.Int("channels", len(merged)))
	return nil
}

// SetFallback installs a channel list directly, bypassing the playlists.
// Used when no upstream playlist yields channels at startup.
func (c *Catalog) SetFallback(channels []Channel) {
	byID := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byID[ch.ID] = ch
	}

	c.mu.Lock()
	c.channels = channels
	c.byID = byID
	c.mu.Unlock()
}

// Channels returns the current snapshot in catalog order.
func (c *Catalog) Channels() []Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

// Lookup returns the channel for an id.
func (c *Catalog) Lookup(id string) (Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.byID[id]
	return ch, ok
}

// Len returns the number of channels in the current snapshot.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.channels)
}

// fetch retrieves and parses a single playlist URL.
func (c *Catalog) fetch(ctx context.Context, url string) ([]*m3u.Entry, error) {
	resp, err := c.client.Get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetching playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned HTTP %d", resp.StatusCode)
	}

	entries, err := m3u.ParseAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing playlist: %w", err)
	}
	return entries, nil
}

// channelFromEntry maps a playlist entry onto a Channel.
func channelFromEntry(e *m3u.Entry) Channel {
	name := e.Title
	if name == "" {
		name = e.TvgName
	}
	return Channel{
		ID:    ChannelID(e.URL),
		Name:  name,
		Group: e.GroupTitle,
		Logo:  e.TvgLogo,
		URL:   e.URL,
	}
}
