package relay

import "testing"

const ch1URL = "rtsp://192.168.178.1:554/?avm=1&freq=450&bw=8&msys=dvbc&mtype=256qam&sr=6900&specinv=1&pids=0,16,200"
const ch2URL = "rtsp://192.168.178.1:554/?avm=1&freq=450&bw=8&msys=dvbc&mtype=256qam&sr=6900&specinv=1&pids=0,16,300"
const ch3URL = "rtsp://192.168.178.1:554/?avm=1&freq=458&bw=8&msys=dvbc&mtype=256qam&sr=6900&specinv=1&pids=0,16,400"

func TestMuxKeySharedAcrossPrograms(t *testing.T) {
	// Same mux, different pids.
	if muxKey(ch1URL) != muxKey(ch2URL) {
		t.Error("programs on the same mux should share a mux key")
	}
	if muxKey(ch1URL) == muxKey(ch3URL) {
		t.Error("different frequencies must not share a mux key")
	}
}

func TestWithTunerSlotReplacesExisting(t *testing.T) {
	got := withTunerSlot("rtsp://box/?avm=1&freq=450&pids=200", 3)
	want := "rtsp://box/?avm=3&freq=450&pids=200"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestWithTunerSlotAppends(t *testing.T) {
	got := withTunerSlot("rtsp://box/?freq=450", 2)
	want := "rtsp://box/?freq=450&avm=2"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	got = withTunerSlot("rtsp://box/stream", 1)
	want = "rtsp://box/stream?avm=1"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestTunerSlotFromURL(t *testing.T) {
	if slot, ok := tunerSlotFromURL(ch1URL); !ok || slot != 1 {
		t.Errorf("got %d/%v, want 1/true", slot, ok)
	}
	if _, ok := tunerSlotFromURL("rtsp://box/?freq=450"); ok {
		t.Error("expected no slot")
	}
}
