package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fritztv/fritztv/internal/catalog"
	"github.com/fritztv/fritztv/internal/config"
	"github.com/fritztv/fritztv/internal/transcoder"
)

// DefaultSweepInterval is how often the registry checks for expired
// sessions.
const DefaultSweepInterval = time.Second

// RegistryConfig configures the session registry.
type RegistryConfig struct {
	// MaxParallelStreams caps concurrently running sessions; it also
	// bounds the FritzBox tuner slots.
	MaxParallelStreams int
	// IdleTimeout is how long a session may run without consumers.
	IdleTimeout time.Duration
	// StallTimeout disconnects subscribers that stop consuming.
	StallTimeout time.Duration
	// SweepInterval is the idle-sweep tick.
	SweepInterval time.Duration
	// StateDir is the base directory for HLS session directories.
	StateDir string
	// Transcoding carries the transcoder invocation settings.
	Transcoding config.TranscodingConfig
}

// Registry is the global mapping from session key to session. Admission
// control, tuner-slot allocation, and session creation all happen under
// one lock, so there is no check-then-act race.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[Key]*Session

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRegistry creates a registry and starts its idle sweep.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxParallelStreams < 1 {
		cfg.MaxParallelStreams = 1
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Second
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	r := &Registry{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "relay")),
		sessions: make(map[Key]*Session),
		done:     make(chan struct{}),
	}

	r.wg.Add(1)
	go r.sweepLoop()

	return r
}

// GetOrCreate returns the live session for the channel and format,
// cancelling any pending idle teardown, or creates one when the
// parallel-stream cap allows it.
func (r *Registry) GetOrCreate(ch catalog.Channel, format transcoder.Format) (*Session, error) {
	key := Key{ChannelID: ch.ID, Format: format}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[key]; ok {
		if sess.alive() {
			sess.clearIdle()
			return sess, nil
		}
		delete(r.sessions, key)
	}

	if len(r.sessions) >= r.cfg.MaxParallelStreams {
		return nil, ErrAdmissionDenied
	}

	mux := muxKey(ch.URL)
	avm := r.allocateTunerSlotLocked(ch.URL, mux)
	effectiveURL := withTunerSlot(ch.URL, avm)

	sess := newSession(r, ch, key, effectiveURL, mux, avm)
	if err := sess.start(); err != nil {
		return nil, err
	}
	r.sessions[key] = sess

	return sess, nil
}

// allocateTunerSlotLocked picks the avm tuner slot for a new session:
// reuse the slot of a live session on the same mux, otherwise the first
// free slot. Must hold the registry lock.
func (r *Registry) allocateTunerSlotLocked(url, mux string) int {
	used := make(map[int]bool, len(r.sessions))
	for _, sess := range r.sessions {
		if !sess.alive() {
			continue
		}
		if sess.muxKey == mux {
			return sess.avm
		}
		used[sess.avm] = true
	}

	for slot := 1; slot <= r.cfg.MaxParallelStreams; slot++ {
		if !used[slot] {
			return slot
		}
	}

	// All slots taken (session count equals the cap, same bound); fall
	// back to whatever the playlist embedded.
	if slot, ok := tunerSlotFromURL(url); ok {
		return slot
	}
	return 1
}

// Get returns the live session for a key, if any.
func (r *Registry) Get(key Key) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[key]
	if !ok || !sess.alive() {
		return nil, false
	}
	return sess, true
}

// remove deletes a terminated session. The pointer comparison keeps a
// replacement session under the same key safe.
func (r *Registry) remove(key Key, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[key]; ok && current == sess {
		delete(r.sessions, key)
	}
}

// ActiveSessions returns the number of registered sessions.
func (r *Registry) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of the current sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Snapshot returns per-session stats for the metrics view. Session stats
// are collected without holding the registry lock.
func (r *Registry) Snapshot() []SessionStats {
	sessions := r.Sessions()
	out := make([]SessionStats, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Stats())
	}
	return out
}

// Close stops the sweep and tears down all sessions.
func (r *Registry) Close() {
	close(r.done)
	r.wg.Wait()

	for _, sess := range r.Sessions() {
		sess.Stop()
	}
}

// sweepLoop expires idle sessions and stalled subscribers.
func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep runs one expiry pass.
func (r *Registry) sweep() {
	now := time.Now()

	for _, sess := range r.Sessions() {
		sess.reapStalled(r.cfg.StallTimeout)

		if sess.idleExpired(r.cfg.IdleTimeout, now) {
			r.logger.Info("stopping idle session",
				slog.String("session_id", sess.Key.String()),
				slog.Duration("idle_timeout", r.cfg.IdleTimeout))
			go sess.Stop()
		}
	}
}
