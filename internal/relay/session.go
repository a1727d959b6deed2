package relay

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/fritztv/fritztv/internal/catalog"
	"github.com/fritztv/fritztv/internal/hls"
	"github.com/fritztv/fritztv/internal/transcoder"
)

// Session timing bounds.
const (
	// DefaultStartupWait bounds how long attach waits for the init
	// segment and first keyframe.
	DefaultStartupWait = 5 * time.Second
	// maxSegmentBytes bounds a single assembled media segment. The
	// transcoder fragments per keyframe, so real segments are far
	// smaller; larger ones indicate a corrupt stream.
	maxSegmentBytes = 32 * 1024 * 1024
)

// Key identifies a session: one channel in one output format.
type Key struct {
	ChannelID string
	Format    transcoder.Format
}

func (k Key) String() string {
	return k.ChannelID + "." + string(k.Format)
}

// State is the session lifecycle state.
type State int32

const (
	// StateStarting: subprocess spawned, waiting for the producer.
	StateStarting State = iota
	// StateRunning: segments flow, subscribers are fed.
	StateRunning
	// StateIdle: no subscribers; teardown armed.
	StateIdle
	// StateDraining: subprocess terminating, new subscribers rejected.
	StateDraining
	// StateTerminated: removed from the registry.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session owns one transcoder subprocess and fans its output out to
// subscribers (fMP4) or serves its directory (HLS).
type Session struct {
	ID        string
	Key       Key
	Channel   catalog.Channel
	StartedAt time.Time

	registry *Registry
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	proc    *transcoder.Process
	monitor *transcoder.Monitor
	watcher *hls.Watcher

	mu          sync.RWMutex
	state       State
	initSegment []byte
	ring        *segmentRing
	subscribers map[uuid.UUID]*Subscriber
	idleSince   time.Time
	err         error

	initReady chan struct{}
	readyOnce sync.Once

	bytesProduced atomic.Uint64
	bw            *BandwidthTracker
	stopping      atomic.Bool

	// Tuner slot bookkeeping for mux sharing.
	effectiveURL string
	muxKey       string
	avm          int
}

// newSession builds a session; start must be called before use.
func newSession(r *Registry, ch catalog.Channel, key Key, effectiveURL, mux string, avm int) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		ID:           ulid.Make().String(),
		Key:          key,
		Channel:      ch,
		StartedAt:    time.Now(),
		registry:     r,
		logger: r.logger.With(
			slog.String("session_id", key.String()),
			slog.String("channel", ch.Name)),
		ctx:          ctx,
		cancel:       cancel,
		state:        StateStarting,
		ring:         newSegmentRing(DefaultRingSize),
		subscribers:  make(map[uuid.UUID]*Subscriber),
		initReady:    make(chan struct{}),
		bw:           NewBandwidthTracker(),
		effectiveURL: effectiveURL,
		muxKey:       mux,
		avm:          avm,
	}
}

// start spawns the subprocess and the producer.
func (s *Session) start() error {
	opts := transcoder.Options{
		InputURL:   s.effectiveURL,
		FFmpegPath: s.registry.cfg.Transcoding.FFmpegPath,
		Mode:       s.registry.cfg.Transcoding.Mode,
		Transport:  s.registry.cfg.Transcoding.Transport,
		HWAccel:    s.registry.cfg.Transcoding.HWAccel,
	}
	threads, err := s.registry.cfg.Transcoding.ThreadCount()
	if err != nil {
		return err
	}
	opts.Threads = threads

	switch s.Key.Format {
	case transcoder.FormatHLS:
		dir := filepath.Join(s.registry.cfg.StateDir, "hls", s.Key.String())
		watcher, err := hls.NewWatcher(dir, s.logger)
		if err != nil {
			return fmt.Errorf("preparing HLS directory: %w", err)
		}
		s.watcher = watcher
		opts.Format = transcoder.FormatHLS
		opts.HLSDir = dir
	default:
		opts.Format = transcoder.FormatFMP4
	}

	command, err := transcoder.BuildCommand(opts)
	if err != nil {
		s.closeWatcher()
		return err
	}

	proc, err := transcoder.Start(s.ctx, command, s.logger)
	if err != nil {
		s.closeWatcher()
		return fmt.Errorf("spawning transcoder: %w", err)
	}
	s.proc = proc

	if monitor, err := transcoder.NewMonitor(proc.PID()); err == nil {
		s.monitor = monitor
	}

	s.logger.Info("session started",
		slog.String("format", string(s.Key.Format)),
		slog.String("mux", s.muxKey),
		slog.Int("avm", s.avm),
		slog.Int("pid", proc.PID()))

	go s.run()
	return nil
}

// run drives the producer until the subprocess exits, then tears the
// session down.
func (s *Session) run() {
	var parseErr error

	if s.Key.Format == transcoder.FormatFMP4 {
		segmenter := NewSegmenter(s.proc.Stdout(), DefaultSegmenterConfig())
		parseErr = segmenter.Run(&sessionSink{session: s})
		if parseErr != nil && !s.stopping.Load() {
			s.logger.Error("segmenter failed", slog.String("error", parseErr.Error()))
			s.stopping.Store(true)
			s.proc.Stop(transcoder.DefaultStopGrace)
		}
	} else {
		go s.watchHLSReady()
	}

	waitErr := s.proc.Wait()
	requested := s.stopping.Load()
	s.proc.ExitReport(waitErr, requested)

	var finalErr error
	switch {
	case requested && parseErr == nil:
		finalErr = nil
	case parseErr != nil:
		finalErr = parseErr
	case waitErr != nil:
		finalErr = fmt.Errorf("%w: %v", ErrTranscoderExited, waitErr)
	default:
		finalErr = ErrTranscoderExited
	}

	s.teardown(finalErr)
}

// watchHLSReady marks the session running once the playlist lists a
// segment.
func (s *Session) watchHLSReady() {
	select {
	case <-s.watcher.Ready():
		s.markReady()
	case <-s.ctx.Done():
	}
}

// markReady transitions Starting to Running and releases waiting
// subscribers.
func (s *Session) markReady() {
	s.mu.Lock()
	if s.state == StateStarting {
		s.state = StateRunning
	}
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.initReady) })
}

// teardown drains subscribers and removes the session from the registry.
func (s *Session) teardown(finalErr error) {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = StateDraining
	s.err = finalErr
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscribers = make(map[uuid.UUID]*Subscriber)
	s.mu.Unlock()

	disconnectErr := finalErr
	if disconnectErr == nil {
		disconnectErr = ErrSessionClosed
	}
	for _, sub := range subs {
		sub.fail(disconnectErr)
	}

	// Unblock attach waiters.
	s.readyOnce.Do(func() { close(s.initReady) })

	s.closeWatcher()
	s.cancel()

	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()

	s.registry.remove(s.Key, s)

	if finalErr != nil {
		s.logger.Warn("session terminated", slog.String("error", finalErr.Error()))
	} else {
		s.logger.Info("session terminated")
	}
}

func (s *Session) closeWatcher() {
	if s.watcher != nil {
		s.watcher.Close(hls.DefaultRemoveGrace)
	}
}

// Stop requests a graceful shutdown of the subprocess. The run goroutine
// completes the teardown.
func (s *Session) Stop() {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("stopping session")
	if s.proc != nil {
		s.proc.Stop(transcoder.DefaultStopGrace)
	} else {
		s.teardown(nil)
	}
}

// Subscribe attaches a new fMP4 subscriber. It blocks until the init
// segment is available (bounded), seeds the queue from the newest
// keyframe in the ring, and registers the subscriber for live segments.
func (s *Session) Subscribe(ctx context.Context) (*Subscriber, error) {
	timer := time.NewTimer(DefaultStartupWait)
	defer timer.Stop()

	select {
	case <-s.initReady:
	case <-timer.C:
		return nil, ErrStartupTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateDraining, StateTerminated:
		return nil, ErrSessionClosed
	case StateIdle:
		s.state = StateRunning
	}

	sub := newSubscriber(s.Key, DefaultQueueBound)
	for _, seg := range s.ring.sinceNewestKeyframe() {
		// Seeding within the bound; catch-up is at most the ring size.
		_ = sub.push(seg)
	}
	s.subscribers[sub.ID] = sub
	s.idleSince = time.Time{}

	s.logger.Info("subscriber attached",
		slog.String("subscriber_id", sub.ID.String()),
		slog.Int("subscribers", len(s.subscribers)))
	return sub, nil
}

// Unsubscribe detaches a subscriber; when the set becomes empty the idle
// deadline is armed.
func (s *Session) Unsubscribe(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscribers[id]; !ok {
		return
	}
	delete(s.subscribers, id)

	remaining := len(s.subscribers)
	if remaining == 0 && s.state == StateRunning {
		s.state = StateIdle
		s.idleSince = time.Now()
	}
	s.logger.Info("subscriber detached",
		slog.String("subscriber_id", id.String()),
		slog.Int("subscribers", remaining))
}

// InitSegment returns a copy of the init segment.
func (s *Session) InitSegment() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, len(s.initSegment))
	copy(out, s.initSegment)
	return out
}

// HLS returns the watcher for HLS sessions, nil otherwise.
func (s *Session) HLS() *hls.Watcher {
	return s.watcher
}

// WaitReady blocks until the session is producing (bounded by the
// startup budget).
func (s *Session) WaitReady(ctx context.Context) error {
	timer := time.NewTimer(DefaultStartupWait)
	defer timer.Stop()

	select {
	case <-s.initReady:
	case <-timer.C:
		return ErrStartupTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateDraining || s.state == StateTerminated {
		return ErrSessionClosed
	}
	return nil
}

// Touch records HLS client activity.
func (s *Session) Touch() {
	if s.watcher != nil {
		s.watcher.Touch()
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the terminal error, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// alive reports whether the session can accept subscribers.
func (s *Session) alive() bool {
	switch s.State() {
	case StateDraining, StateTerminated:
		return false
	}
	return true
}

// clearIdle cancels a pending idle teardown.
func (s *Session) clearIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleSince = time.Time{}
	if s.state == StateIdle {
		s.state = StateRunning
	}
}

// SubscriberCount returns the number of attached subscribers.
func (s *Session) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// idleExpired reports whether the session has been without consumers for
// longer than timeout. HLS clients pull files rather than holding a
// subscription, so recent directory access counts as activity.
func (s *Session) idleExpired(timeout time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.subscribers) > 0 {
		return false
	}

	// HLS clients pull files instead of holding a subscription; the last
	// directory access is the idle clock.
	if s.watcher != nil {
		return now.Sub(s.watcher.LastAccess()) > timeout
	}

	switch s.state {
	case StateRunning:
		s.state = StateIdle
		s.idleSince = now
		return false
	case StateIdle:
		if s.idleSince.IsZero() {
			s.idleSince = now
			return false
		}
		return now.Sub(s.idleSince) >= timeout
	case StateStarting:
		// No consumer ever attached, or the subscriber gave up while
		// the producer was still warming up. Arm like Running.
		if s.idleSince.IsZero() {
			s.idleSince = now
			return false
		}
		return now.Sub(s.idleSince) >= timeout
	default:
		return false
	}
}

// reapStalled disconnects subscribers that stopped consuming.
func (s *Session) reapStalled(timeout time.Duration) {
	s.mu.Lock()
	var stalled []*Subscriber
	for id, sub := range s.subscribers {
		if sub.stalled(timeout) {
			stalled = append(stalled, sub)
			delete(s.subscribers, id)
		}
	}
	if len(s.subscribers) == 0 && len(stalled) > 0 && s.state == StateRunning {
		s.state = StateIdle
		s.idleSince = time.Now()
	}
	s.mu.Unlock()

	for _, sub := range stalled {
		s.logger.Warn("disconnecting stalled subscriber",
			slog.String("subscriber_id", sub.ID.String()))
		sub.fail(ErrSlowConsumer)
	}
}

// publish appends a completed segment to the ring and fans it out.
func (s *Session) publish(seg *MediaSegment) {
	s.bytesProduced.Add(uint64(len(seg.Data)))
	s.bw.Add(uint64(len(seg.Data)))

	s.mu.Lock()
	if s.state == StateStarting {
		s.state = StateRunning
	}
	s.ring.push(seg)
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.initReady) })

	var slow []uuid.UUID
	for _, sub := range subs {
		if err := sub.push(seg); err != nil {
			s.logger.Warn("dropping slow subscriber",
				slog.String("subscriber_id", sub.ID.String()),
				slog.Uint64("drop_count", sub.DropCount()))
			slow = append(slow, sub.ID)
		}
	}
	for _, id := range slow {
		s.Unsubscribe(id)
	}
}

// setInit stores the init segment. Called exactly once per session,
// before any media segment.
func (s *Session) setInit(data []byte) {
	s.mu.Lock()
	s.initSegment = data
	s.mu.Unlock()
}

// BytesProduced returns the cumulative bytes produced by the session.
func (s *Session) BytesProduced() uint64 {
	return s.bytesProduced.Load()
}

// Bandwidth returns the session's produced-bytes tracker.
func (s *Session) Bandwidth() *BandwidthTracker {
	return s.bw
}

// SampleProcess polls the transcoder's resource usage.
func (s *Session) SampleProcess() (transcoder.ProcessStats, bool) {
	if s.monitor == nil {
		return transcoder.ProcessStats{}, false
	}
	stats, err := s.monitor.Sample()
	if err != nil {
		return transcoder.ProcessStats{}, false
	}
	return stats, true
}

// PID returns the transcoder pid, or 0 when not running.
func (s *Session) PID() int {
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// SubscriberStats is a point-in-time view of one subscriber.
type SubscriberStats struct {
	ID        string    `json:"id"`
	BytesSent uint64    `json:"bytes_sent"`
	DropCount uint64    `json:"drop_count"`
	JoinedAt  time.Time `json:"joined_at"`
}

// SessionStats is a point-in-time view of one session.
type SessionStats struct {
	Key           string            `json:"key"`
	ChannelID     string            `json:"channel_id"`
	ChannelName   string            `json:"channel_name"`
	Format        string            `json:"format"`
	State         string            `json:"state"`
	StartedAt     time.Time         `json:"started_at"`
	PID           int               `json:"pid,omitempty"`
	BytesProduced uint64            `json:"bytes_produced"`
	Subscribers   []SubscriberStats `json:"subscribers,omitempty"`
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() SessionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := make([]SubscriberStats, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, SubscriberStats{
			ID:        sub.ID.String(),
			BytesSent: sub.BytesSent(),
			DropCount: sub.DropCount(),
			JoinedAt:  sub.JoinedAt,
		})
	}

	return SessionStats{
		Key:           s.Key.String(),
		ChannelID:     s.Key.ChannelID,
		ChannelName:   s.Channel.Name,
		Format:        string(s.Key.Format),
		State:         s.state.String(),
		StartedAt:     s.StartedAt,
		PID:           s.PID(),
		BytesProduced: s.bytesProduced.Load(),
		Subscribers:   subs,
	}
}

// Subscribers returns the current subscribers for the sampler.
func (s *Session) Subscribers() []*Subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		out = append(out, sub)
	}
	return out
}

// sessionSink assembles segmenter output into MediaSegments for the
// session.
type sessionSink struct {
	session *Session
	current *MediaSegment
}

func (k *sessionSink) OnInit(data []byte) error {
	k.session.setInit(data)
	k.session.markReady()
	return nil
}

func (k *sessionSink) StartSegment(seq uint64, keyframe bool) error {
	k.current = &MediaSegment{
		Sequence:   seq,
		Keyframe:   keyframe,
		ProducedAt: time.Now(),
	}
	return nil
}

func (k *sessionSink) SegmentData(p []byte) error {
	if len(k.current.Data)+len(p) > maxSegmentBytes {
		return fmt.Errorf("%w: media segment exceeds %d bytes", ErrParse, maxSegmentBytes)
	}
	k.current.Data = append(k.current.Data, p...)
	return nil
}

func (k *sessionSink) EndSegment() error {
	seg := k.current
	k.current = nil
	k.session.publish(seg)
	return nil
}
