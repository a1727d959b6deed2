package hls

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const samplePlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:2.000000,
segment00000.ts
#EXTINF:2.000000,
segment00001.ts
`

func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "session")
	w, err := NewWatcher(dir, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	t.Cleanup(func() { w.Close(0) })
	return w
}

func TestWatcherCleansLeftovers(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "session")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(dir, "segment99999.ts")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(dir, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close(0)

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("leftover segment not removed on start")
	}
}

func TestWatcherBecomesReady(t *testing.T) {
	w := newTestWatcher(t)

	if _, ok := w.Playlist(); ok {
		t.Error("watcher ready before playlist exists")
	}

	seg := filepath.Join(w.Dir(), "segment00000.ts")
	if err := os.WriteFile(seg, []byte("tsdata"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(w.Dir(), PlaylistName), []byte(samplePlaylist), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-w.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not become ready")
	}

	text, ok := w.Playlist()
	if !ok {
		t.Fatal("playlist not available after ready")
	}
	if !strings.Contains(text, "segment00000.ts") {
		t.Errorf("playlist missing segment reference:\n%s", text)
	}
}

func TestNormalizePlaylistRaisesTargetDuration(t *testing.T) {
	input := `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:1
#EXTINF:2.500000,
segment00000.ts
`
	text, segments := normalizePlaylist([]byte(input))
	if segments != 1 {
		t.Fatalf("expected 1 segment, got %d", segments)
	}
	if !strings.Contains(text, "#EXT-X-TARGETDURATION:3") {
		t.Errorf("target duration not raised to cover EXTINF:\n%s", text)
	}
	if !strings.Contains(text, "#EXT-X-VERSION:3") {
		t.Errorf("version not pinned to 3:\n%s", text)
	}
}

func TestSegmentPathValidation(t *testing.T) {
	w := newTestWatcher(t)

	if _, err := w.SegmentPath("segment00001.ts"); err != nil {
		t.Errorf("valid segment rejected: %v", err)
	}
	for _, bad := range []string{"../etc/passwd", "segment1.mp4", "seg_0.ts", "segment00001.ts/../x"} {
		if _, err := w.SegmentPath(bad); err == nil {
			t.Errorf("invalid segment %q accepted", bad)
		}
	}
}

func TestCloseRemovesDirectoryAfterGrace(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "session")
	w, err := NewWatcher(dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	w.Close(50 * time.Millisecond)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("session directory not removed after grace period")
}
