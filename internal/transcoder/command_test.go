package transcoder

import (
	"reflect"
	"strings"
	"testing"

	"github.com/fritztv/fritztv/internal/config"
)

func baseOptions() Options {
	return Options{
		InputURL:  "rtsp://192.168.178.1:554/?freq=450&avm=1",
		Format:    FormatFMP4,
		Mode:      config.ModeSmooth,
		Transport: "udp",
		HWAccel:   "cpu",
		Threads:   4,
	}
}

func argsContain(t *testing.T, args []string, sub ...string) {
	t.Helper()
	joined := " " + strings.Join(args, " ") + " "
	needle := " " + strings.Join(sub, " ") + " "
	if !strings.Contains(joined, needle) {
		t.Errorf("expected args to contain %q, got:\n%s", needle, joined)
	}
}

func TestBuildCommandDeterministic(t *testing.T) {
	a, err := BuildCommand(baseOptions())
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}
	b, err := BuildCommand(baseOptions())
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}
	if !reflect.DeepEqual(a.Args, b.Args) {
		t.Error("identical options produced different commands")
	}
}

func TestBuildCommandFMP4(t *testing.T) {
	cmd, err := BuildCommand(baseOptions())
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}

	argsContain(t, cmd.Args, "-fflags", "+genpts+discardcorrupt")
	argsContain(t, cmd.Args, "-avoid_negative_ts", "make_zero")
	argsContain(t, cmd.Args, "-af", "aresample=async=1")
	argsContain(t, cmd.Args, "-profile:v", "baseline")
	argsContain(t, cmd.Args, "-flags", "+cgop")
	argsContain(t, cmd.Args, "-movflags", "frag_keyframe+empty_moov+default_base_moof")
	argsContain(t, cmd.Args, "pipe:1")
	// Smooth mode omits zerolatency.
	if strings.Contains(strings.Join(cmd.Args, " "), "zerolatency") {
		t.Error("Smooth mode should not enable zerolatency")
	}
}

func TestBuildCommandLowLatency(t *testing.T) {
	opts := baseOptions()
	opts.Mode = config.ModeLowLatency
	cmd, err := BuildCommand(opts)
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}

	argsContain(t, cmd.Args, "-tune", "zerolatency")
	argsContain(t, cmd.Args, "-analyzeduration", "2000000")
}

func TestBuildCommandTCPTransport(t *testing.T) {
	opts := baseOptions()
	opts.Transport = "tcp"
	cmd, err := BuildCommand(opts)
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}
	argsContain(t, cmd.Args, "-rtsp_transport", "tcp")
}

func TestBuildCommandHLS(t *testing.T) {
	opts := baseOptions()
	opts.Format = FormatHLS
	opts.HLSDir = "/tmp/fritztv/hls/abc"
	cmd, err := BuildCommand(opts)
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}

	argsContain(t, cmd.Args, "-f", "hls")
	argsContain(t, cmd.Args, "-hls_flags", "delete_segments+independent_segments+omit_endlist")
	argsContain(t, cmd.Args, "/tmp/fritztv/hls/abc/stream.m3u8")
}

func TestBuildCommandHLSRequiresDir(t *testing.T) {
	opts := baseOptions()
	opts.Format = FormatHLS
	if _, err := BuildCommand(opts); err == nil {
		t.Error("expected error for HLS without directory")
	}
}

func TestBuildCommandVAAPI(t *testing.T) {
	opts := baseOptions()
	opts.HWAccel = "vaapi"
	cmd, err := BuildCommand(opts)
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}
	argsContain(t, cmd.Args, "-hwaccel", "vaapi")
	argsContain(t, cmd.Args, "-c:v", "h264_vaapi")
}
