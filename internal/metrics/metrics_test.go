package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fritztv/fritztv/internal/config"
	"github.com/fritztv/fritztv/internal/relay"
)

func TestHandlerExposesGauges(t *testing.T) {
	m := New()
	m.activeSessions.Set(2)
	m.clientBandwidth.WithLabelValues("abc123").Set(1024)
	m.transcoderCPU.WithLabelValues("abc123").Set(42.5)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	text := string(body)

	for _, want := range []string{
		"fritztv_active_sessions 2",
		`fritztv_client_bandwidth_bytes{channel_id="abc123"} 1024`,
		`fritztv_transcoder_cpu_percent{channel_id="abc123"} 42.5`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestSamplerEmptyRegistry(t *testing.T) {
	registry := relay.NewRegistry(relay.RegistryConfig{
		MaxParallelStreams: 1,
		IdleTimeout:        time.Second,
		SweepInterval:      time.Hour,
		StateDir:           t.TempDir(),
		Transcoding:        config.TranscodingConfig{Mode: config.ModeSmooth, Transport: "udp", HWAccel: "cpu", Threads: "1"},
	}, nil)
	defer registry.Close()

	m := New()
	s := NewSampler(m, registry, time.Second, false, nil)
	s.sample()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	if !strings.Contains(string(body), "fritztv_active_sessions 0") {
		t.Error("expected zero active sessions")
	}
}
