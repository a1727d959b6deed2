package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/fritztv/fritztv/internal/relay"
)

// Sampler periodically walks the relay registry, computes bandwidth
// deltas, and polls transcoder process statistics.
type Sampler struct {
	metrics  *Metrics
	registry *relay.Registry
	interval time.Duration

	consoleLog bool
	logger     *slog.Logger

	prevProduced map[string]uint64
	seen         map[string]bool
}

// NewSampler creates a sampler over the registry.
func NewSampler(m *Metrics, registry *relay.Registry, interval time.Duration, consoleLog bool, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		metrics:      m,
		registry:     registry,
		interval:     interval,
		consoleLog:   consoleLog,
		logger:       logger.With(slog.String("component", "metrics")),
		prevProduced: make(map[string]uint64),
		seen:         make(map[string]bool),
	}
}

// Run samples until the context ends.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sample()
		}
	}
}

// sample runs one pass over the registry snapshot.
func (s *Sampler) sample() {
	sessions := s.registry.Sessions()

	s.metrics.activeSessions.Set(float64(len(sessions)))

	current := make(map[string]bool, len(sessions))
	totalSubscribers := 0

	for _, sess := range sessions {
		channelID := sess.Key.ChannelID
		current[channelID] = true

		// Delivery bandwidth: sum of the subscribers' sampled rates.
		var deliveryBps uint64
		subs := sess.Subscribers()
		totalSubscribers += len(subs)
		for _, sub := range subs {
			deliveryBps += sub.Bandwidth().Sample()
		}
		s.metrics.clientBandwidth.WithLabelValues(channelID).Set(float64(deliveryBps))

		// Produced-bytes counter advances by the delta since last pass.
		produced := sess.BytesProduced()
		if prev, ok := s.prevProduced[sess.Key.String()]; ok && produced >= prev {
			s.metrics.bytesProduced.WithLabelValues(channelID).Add(float64(produced - prev))
		} else {
			s.metrics.bytesProduced.WithLabelValues(channelID).Add(float64(produced))
		}
		s.prevProduced[sess.Key.String()] = produced

		if stats, ok := sess.SampleProcess(); ok {
			s.metrics.transcoderCPU.WithLabelValues(channelID).Set(stats.CPUPercent)
			s.metrics.transcoderRSS.WithLabelValues(channelID).Set(float64(stats.MemoryRSS))
		}

		if s.consoleLog {
			s.logger.Info("stream bandwidth",
				slog.String("channel_id", channelID),
				slog.String("channel", sess.Channel.Name),
				slog.Int("subscribers", len(subs)),
				slog.Uint64("delivery_bps", deliveryBps),
				slog.Uint64("bytes_produced", produced))
		}
	}

	s.metrics.subscribers.Set(float64(totalSubscribers))

	// Drop series for channels whose sessions are gone.
	for channelID := range s.seen {
		if !current[channelID] {
			s.metrics.forgetChannel(channelID)
		}
	}
	s.seen = current
}
