// Package transcoder builds and supervises the external ffmpeg process that
// pulls a channel over RTSP and rewraps it into fMP4 or HLS.
package transcoder

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fritztv/fritztv/internal/config"
)

// Format selects the container the transcoder produces.
type Format string

const (
	// FormatFMP4 emits fragmented MP4 on stdout for MSE clients.
	FormatFMP4 Format = "fmp4"
	// FormatHLS emits a rolling playlist plus MPEG-TS segments on disk
	// for Apple players.
	FormatHLS Format = "hls"
)

// HLS file naming inside a session directory.
const (
	HLSPlaylistName   = "stream.m3u8"
	HLSSegmentPattern = "segment%05d.ts"
)

// Options are the inputs to the argument builder. Identical options always
// produce an identical command line.
type Options struct {
	// InputURL is the upstream RTSP URL (with the tuner slot applied).
	InputURL string
	Format   Format
	// FFmpegPath overrides the transcoder binary; default "ffmpeg".
	FFmpegPath string
	// HLSDir is the session directory for HLS output; required for FormatHLS.
	HLSDir    string
	Mode      string // config.ModeSmooth or config.ModeLowLatency
	Transport string // udp or tcp
	HWAccel   string // cpu or vaapi
	Threads   int
}

// Command is a fully assembled transcoder invocation.
type Command struct {
	Binary string
	Args   []string
}

// String returns the command line for logging.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// CommandBuilder assembles an ffmpeg argument vector with a fluent API.
type CommandBuilder struct {
	binary     string
	inputArgs  []string
	input      string
	outputArgs []string
}

// NewCommandBuilder creates a builder for the given ffmpeg binary.
func NewCommandBuilder(binary string) *CommandBuilder {
	return &CommandBuilder{binary: binary}
}

// InputArgs appends arguments that must precede -i.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// OutputArgs appends arguments for the next output.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// RTSPTransport sets the RTSP transport hint. udp is ffmpeg's default and
// produces no flag, keeping the vector minimal.
func (b *CommandBuilder) RTSPTransport(transport string) *CommandBuilder {
	if transport == "tcp" {
		b.InputArgs("-rtsp_transport", "tcp")
	}
	return b
}

// ErrorResilience enables timestamp regeneration and corrupt-packet
// discarding, and zeroes the start offset. DVB-C feeds are jittery and
// desktop browsers choke on negative timestamps.
func (b *CommandBuilder) ErrorResilience() *CommandBuilder {
	return b.InputArgs(
		"-rtbufsize", "10M",
		"-fflags", "+genpts+discardcorrupt",
		"-avoid_negative_ts", "make_zero",
	)
}

// ProbeWindow tunes the input analysis window. LowLatency trades detection
// robustness for startup speed.
func (b *CommandBuilder) ProbeWindow(mode string) *CommandBuilder {
	if mode == config.ModeLowLatency {
		return b.InputArgs("-analyzeduration", "2000000", "-probesize", "2000000")
	}
	return b.InputArgs("-analyzeduration", "10000000", "-probesize", "10000000")
}

// VAAPI enables VAAPI hardware decoding.
func (b *CommandBuilder) VAAPI() *CommandBuilder {
	return b.InputArgs(
		"-init_hw_device", "vaapi=hw:/dev/dri/renderD128",
		"-hwaccel", "vaapi",
		"-hwaccel_device", "/dev/dri/renderD128",
	)
}

// Input sets the input URL.
func (b *CommandBuilder) Input(url string) *CommandBuilder {
	b.input = url
	return b
}

// AVSettings appends the shared audio/video encoding settings for one
// output. ffmpeg applies codec options only to the output that follows
// them, so multi-output commands call this once per output.
func (b *CommandBuilder) AVSettings(mode string, hwAccel string, threads int) *CommandBuilder {
	// Only map the first video and audio stream. FritzBox DVB streams carry
	// teletext/subtitle/data tracks that abort ffmpeg when auto-mapped.
	b.OutputArgs(
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-sn",
		"-dn",
		// Async audio resampling fixes A/V drift on desktop browsers.
		"-af", "aresample=async=1",
		"-vsync", "1",
		"-max_muxing_queue_size", "1024",
	)

	if hwAccel == "vaapi" {
		b.OutputArgs(
			"-vf", "deinterlace_vaapi,scale_vaapi=format=nv12",
			"-c:v", "h264_vaapi",
		)
	} else {
		b.OutputArgs(
			"-vf", "yadif",
			"-pix_fmt", "yuv420p",
			"-c:v", "libx264",
		)
	}

	b.OutputArgs(
		"-threads", strconv.Itoa(threads),
		// Baseline profile for iOS compatibility.
		"-profile:v", "baseline",
		"-level", "3.1",
		// Closed GOPs so HLS segments decode independently.
		"-flags", "+cgop",
		"-g", "50",
		"-keyint_min", "50",
		"-sc_threshold", "0",
		// Force an IDR roughly every 2s regardless of input fps.
		"-force_key_frames", "expr:gte(t,n_forced*2)",
		"-crf", "18",
		"-maxrate", "12M",
		"-bufsize", "24M",
		"-c:a", "aac",
		"-ac", "2",
		"-b:a", "128k",
	)

	if mode == config.ModeLowLatency {
		b.OutputArgs("-preset", "fast", "-tune", "zerolatency")
	} else {
		b.OutputArgs("-preset", "medium")
	}
	return b
}

// FMP4Output emits fragmented MP4 to stdout: empty moov up front, moof as
// data-offset base, and a fragment per keyframe so late joiners align on
// IDR boundaries.
func (b *CommandBuilder) FMP4Output() *CommandBuilder {
	return b.OutputArgs(
		"-f", "mp4",
		"-movflags", "frag_keyframe+empty_moov+default_base_moof",
		"pipe:1",
	)
}

// HLSOutput emits a rolling HLS window into dir.
func (b *CommandBuilder) HLSOutput(dir string) *CommandBuilder {
	return b.OutputArgs(
		"-mpegts_flags", "+resend_headers",
		"-f", "hls",
		"-hls_time", "2",
		"-hls_list_size", "10",
		"-hls_flags", "delete_segments+independent_segments+omit_endlist",
		"-hls_segment_filename", filepath.Join(dir, HLSSegmentPattern),
		filepath.Join(dir, HLSPlaylistName),
	)
}

// Build assembles the final command.
func (b *CommandBuilder) Build() *Command {
	args := make([]string, 0, len(b.inputArgs)+len(b.outputArgs)+8)
	args = append(args, "-hide_banner", "-loglevel", "info", "-nostdin")
	args = append(args, b.inputArgs...)
	args = append(args, "-y", "-i", b.input)
	args = append(args, b.outputArgs...)
	return &Command{Binary: b.binary, Args: args}
}

// BuildCommand assembles the transcoder command for the given options.
func BuildCommand(opts Options) (*Command, error) {
	if opts.InputURL == "" {
		return nil, fmt.Errorf("input URL is required")
	}
	if opts.Format == FormatHLS && opts.HLSDir == "" {
		return nil, fmt.Errorf("HLS output requires a session directory")
	}

	binary := opts.FFmpegPath
	if binary == "" {
		binary = "ffmpeg"
	}

	b := NewCommandBuilder(binary).
		RTSPTransport(opts.Transport).
		ErrorResilience().
		ProbeWindow(opts.Mode)

	if opts.HWAccel == "vaapi" {
		b.VAAPI()
	}

	b.Input(opts.InputURL)

	b.AVSettings(opts.Mode, opts.HWAccel, opts.Threads)
	switch opts.Format {
	case FormatFMP4:
		b.FMP4Output()
	case FormatHLS:
		b.HLSOutput(opts.HLSDir)
	default:
		return nil, fmt.Errorf("unknown output format %q", opts.Format)
	}

	return b.Build(), nil
}
