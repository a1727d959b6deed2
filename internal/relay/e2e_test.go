package relay

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/fritztv/fritztv/internal/catalog"
	"github.com/fritztv/fritztv/internal/config"
	"github.com/fritztv/fritztv/internal/transcoder"
)

// mockTranscoder writes a shell script that plays a canned fMP4 stream to
// stdout and then stays alive until signalled, standing in for ffmpeg.
func mockTranscoder(t *testing.T, fixture []byte) string {
	t.Helper()
	dir := t.TempDir()

	fixturePath := filepath.Join(dir, "stream.bin")
	if err := os.WriteFile(fixturePath, fixture, 0o644); err != nil {
		t.Fatal(err)
	}

	script := "#!/bin/sh\ncat \"" + fixturePath + "\"\nexec sleep 60\n"
	scriptPath := filepath.Join(dir, "mock-ffmpeg")
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return scriptPath
}

func fmp4Fixture() []byte {
	var out []byte
	out = append(out, box("ftyp", []byte("isom\x00\x00\x02\x00"))...)
	out = append(out, box("moov", make([]byte, 120))...)
	out = append(out, moofBox(true)...)
	out = append(out, mdatBox(400)...)
	// The second fragment is not a keyframe. The mock writes the whole
	// stream before the test subscribes, and a late joiner starts at the
	// newest keyframe in the ring, so seq 0 must be that keyframe for the
	// subscriber to receive both fragments.
	out = append(out, moofBox(false)...)
	out = append(out, mdatBox(400)...)
	return out
}

func TestEndToEndMockTranscoder(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("mock transcoder is a shell script")
	}

	script := mockTranscoder(t, fmp4Fixture())

	r := NewRegistry(RegistryConfig{
		MaxParallelStreams: 2,
		IdleTimeout:        200 * time.Millisecond,
		SweepInterval:      50 * time.Millisecond,
		StateDir:           t.TempDir(),
		Transcoding: config.TranscodingConfig{
			Mode:       config.ModeSmooth,
			Transport:  "udp",
			HWAccel:    "cpu",
			Threads:    "1",
			FFmpegPath: script,
		},
	}, nil)
	defer r.Close()

	ch := catalog.Channel{ID: "e2e", Name: "E2E", URL: "rtsp://box/?freq=450&pids=1"}

	sess, err := r.GetOrCreate(ch, transcoder.FormatFMP4)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	firstPID := sess.PID()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := sess.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	init := sess.InitSegment()
	if len(init) == 0 || !bytes.Equal(init[4:8], []byte("ftyp")) {
		t.Fatalf("init segment should start with ftyp, got %d bytes", len(init))
	}

	seg0, err := sub.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if seg0.Sequence != 0 || !seg0.Keyframe {
		t.Errorf("first segment seq=%d keyframe=%v", seg0.Sequence, seg0.Keyframe)
	}
	if !bytes.Equal(seg0.Data[4:8], []byte("moof")) {
		t.Error("media segment should start with moof")
	}

	seg1, err := sub.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if seg1.Sequence != 1 {
		t.Errorf("second segment seq=%d", seg1.Sequence)
	}

	// Disconnect: the idle sweep must terminate the subprocess and
	// remove the session.
	sess.Unsubscribe(sub.ID)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.ActiveSessions() == 0 {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if r.ActiveSessions() != 0 {
		t.Fatal("idle session was not torn down")
	}

	// A new request revives the channel with a fresh subprocess.
	sess2, err := r.GetOrCreate(ch, transcoder.FormatFMP4)
	if err != nil {
		t.Fatalf("revive failed: %v", err)
	}
	if sess2 == sess {
		t.Error("terminated session must not be reused")
	}
	if sess2.PID() == firstPID {
		t.Error("expected a fresh subprocess pid")
	}

	sub2, err := sess2.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe after revive failed: %v", err)
	}
	if len(sess2.InitSegment()) == 0 {
		t.Error("revived session must deliver a fresh init segment")
	}
	sess2.Unsubscribe(sub2.ID)
}

func TestEndToEndTranscoderExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("mock transcoder is a shell script")
	}

	// The mock emits the stream and then fails.
	dir := t.TempDir()
	fixturePath := filepath.Join(dir, "stream.bin")
	if err := os.WriteFile(fixturePath, fmp4Fixture(), 0o644); err != nil {
		t.Fatal(err)
	}
	script := filepath.Join(dir, "mock-ffmpeg")
	content := "#!/bin/sh\ncat \"" + fixturePath + "\"\nsleep 1\necho 'Conversion failed!' >&2\nexit 1\n"
	if err := os.WriteFile(script, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(RegistryConfig{
		MaxParallelStreams: 1,
		IdleTimeout:        10 * time.Second,
		SweepInterval:      time.Hour,
		StateDir:           t.TempDir(),
		Transcoding: config.TranscodingConfig{
			Mode: config.ModeSmooth, Transport: "udp", HWAccel: "cpu",
			Threads: "1", FFmpegPath: script,
		},
	}, nil)
	defer r.Close()

	ch := catalog.Channel{ID: "dies", Name: "Dies", URL: "rtsp://box/?freq=450&pids=2"}
	sess, err := r.GetOrCreate(ch, transcoder.FormatFMP4)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := sess.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Drain until the exit error surfaces.
	for {
		_, err := sub.Next(ctx)
		if err != nil {
			if err == ctx.Err() {
				t.Fatal("subscriber never saw the transcoder exit")
			}
			break
		}
	}

	// The session removes itself; the next request creates a fresh one.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Get(sess.Key); !ok {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("failed session still registered")
}
