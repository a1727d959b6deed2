// Package hls observes the per-session directories the transcoder writes
// its playlist and MPEG-TS segments into, and serves their current state.
package hls

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/fsnotify/fsnotify"
)

// PlaylistName is the playlist filename the transcoder writes.
const PlaylistName = "stream.m3u8"

// DefaultRemoveGrace is how long teardown waits before deleting the
// session directory, letting in-flight segment reads complete.
const DefaultRemoveGrace = 2 * time.Second

// segmentName validates requested segment filenames. Only the
// transcoder's own naming is served; no path traversal.
var segmentName = regexp.MustCompile(`^segment\d+\.ts$`)

// Watcher observes one HLS session directory. The playlist is refreshed
// on filesystem change notifications; segment reads go straight to disk.
type Watcher struct {
	dir    string
	logger *slog.Logger

	fsw *fsnotify.Watcher

	mu            sync.RWMutex
	playlistText  string
	segmentCount  int

	ready     chan struct{}
	readyOnce sync.Once

	lastAccess atomic.Int64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher recreates dir empty (removing leftovers from previous runs)
// and starts watching it.
func NewWatcher(dir string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("cleaning session directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fs watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching session directory: %w", err)
	}

	w := &Watcher{
		dir:    dir,
		logger: logger.With(slog.String("component", "hls"), slog.String("dir", dir)),
		fsw:    fsw,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	w.Touch()

	w.wg.Add(1)
	go w.loop()

	return w, nil
}

// Dir returns the session directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// loop consumes filesystem events. A slow fallback ticker covers
// filesystems with unreliable notifications.
func (w *Watcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if name == PlaylistName || strings.HasSuffix(name, ".ts") {
				w.refresh()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fs watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			w.refresh()
		}
	}
}

// refresh re-reads the playlist from disk and updates the in-memory text.
func (w *Watcher) refresh() {
	data, err := os.ReadFile(filepath.Join(w.dir, PlaylistName))
	if err != nil {
		return
	}

	text, segments := normalizePlaylist(data)

	w.mu.Lock()
	w.playlistText = text
	w.segmentCount = segments
	w.mu.Unlock()

	if segments > 0 {
		w.readyOnce.Do(func() { close(w.ready) })
	}
}

// normalizePlaylist parses and re-serializes the playlist. Safari rejects
// playlists whose TARGETDURATION is below the largest EXTINF, and some
// versions are picky about anything above version 3 for TS segments.
func normalizePlaylist(data []byte) (string, int) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		// Serve the raw text; the player may still cope.
		return string(data), strings.Count(string(data), "#EXTINF:")
	}

	media, ok := pl.(*playlist.Media)
	if !ok {
		return string(data), 0
	}

	maxDuration := 0
	for _, seg := range media.Segments {
		if d := int(math.Ceil(seg.Duration.Seconds())); d > maxDuration {
			maxDuration = d
		}
	}
	if media.TargetDuration < maxDuration {
		media.TargetDuration = maxDuration
	}
	media.Version = 3
	media.IndependentSegments = false

	out, err := media.Marshal()
	if err != nil {
		return string(data), len(media.Segments)
	}
	return string(out), len(media.Segments)
}

// Ready returns a channel closed once the playlist lists at least one
// segment.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Playlist returns the latest observed playlist text. ok is false until
// the playlist has at least one segment.
func (w *Watcher) Playlist() (text string, ok bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.playlistText, w.segmentCount > 0
}

// SegmentPath validates a requested segment name and returns its path on
// disk.
func (w *Watcher) SegmentPath(name string) (string, error) {
	if !segmentName.MatchString(name) {
		return "", fmt.Errorf("invalid segment name %q", name)
	}
	return filepath.Join(w.dir, name), nil
}

// Touch records client activity for idle accounting.
func (w *Watcher) Touch() {
	w.lastAccess.Store(time.Now().UnixNano())
}

// LastAccess returns the time of the most recent client access.
func (w *Watcher) LastAccess() time.Time {
	return time.Unix(0, w.lastAccess.Load())
}

// Close stops watching and removes the session directory after the grace
// period. The removal timer runs to completion regardless of the caller.
func (w *Watcher) Close(grace time.Duration) {
	select {
	case <-w.done:
		return
	default:
	}
	close(w.done)
	w.fsw.Close()
	w.wg.Wait()

	if grace < 0 {
		grace = DefaultRemoveGrace
	}
	dir := w.dir
	logger := w.logger
	time.AfterFunc(grace, func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("removing session directory failed", slog.String("error", err.Error()))
		}
	})
}
