package relay

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

// Segmenter defaults.
const (
	// DefaultReadChunkSize is the stdout read size.
	DefaultReadChunkSize = 64 * 1024
	// DefaultMaxBufferSize bounds how much of a partial box is held for
	// reassembly. Boxes inside an open media segment (mdat included) are
	// streamed through and never buffered whole, so this bound only applies
	// to the init segment, moof boxes, and boxes held between segments.
	DefaultMaxBufferSize = 16 * 1024 * 1024
)

// MediaSegment is one fMP4 media segment: a moof plus the boxes that
// follow it through the next mdat. The segment is closed at the end of
// that mdat, not at the next moof; a box that arrives after the mdat and
// before the next moof is placed at the front of the next segment.
type MediaSegment struct {
	Sequence   uint64
	Data       []byte
	Keyframe   bool
	ProducedAt time.Time
}

// SegmentSink receives the segmenter's output. Segment bodies are
// delivered incrementally so oversized boxes never require unbounded
// buffering; the byte-wise concatenation of the init data and all
// segment data equals the input stream.
type SegmentSink interface {
	OnInit(data []byte) error
	StartSegment(seq uint64, keyframe bool) error
	SegmentData(p []byte) error
	EndSegment() error
}

// SegmenterConfig configures the fMP4 segmenter.
type SegmenterConfig struct {
	ReadChunkSize int
	MaxBufferSize int
}

// DefaultSegmenterConfig returns sensible defaults.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		ReadChunkSize: DefaultReadChunkSize,
		MaxBufferSize: DefaultMaxBufferSize,
	}
}

// Segmenter splits the transcoder's stdout byte stream into one init
// segment (everything before the first moof) and a sequence of media
// segments. Top-level ISO-BMFF boxes use a 4-byte big-endian size plus a
// 4-byte type; size 1 means an 8-byte extended size follows, size 0 means
// the box extends to end of stream.
type Segmenter struct {
	r   io.Reader
	cfg SegmenterConfig

	buf []byte
}

// NewSegmenter creates a segmenter reading from r.
func NewSegmenter(r io.Reader, cfg SegmenterConfig) *Segmenter {
	if cfg.ReadChunkSize <= 0 {
		cfg.ReadChunkSize = DefaultReadChunkSize
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultMaxBufferSize
	}
	return &Segmenter{r: r, cfg: cfg}
}

// Run parses the stream until EOS or error. Parse failures wrap ErrParse;
// the session treats them as fatal.
func (s *Segmenter) Run(sink SegmentSink) error {
	var (
		initBuf      []byte
		initEmitted  bool
		firstSegment = true
		seq          uint64
		open         bool
		pending      []byte
	)

	for {
		if err := s.fill(8); err != nil {
			if err == io.EOF && len(s.buf) == 0 {
				break
			}
			return fmt.Errorf("%w: truncated box header", ErrParse)
		}

		size := int64(binary.BigEndian.Uint32(s.buf[0:4]))
		boxType := string(s.buf[4:8])
		headerLen := 8

		switch size {
		case 1:
			if err := s.fill(16); err != nil {
				return fmt.Errorf("%w: truncated extended box header", ErrParse)
			}
			ext := binary.BigEndian.Uint64(s.buf[8:16])
			if ext > math.MaxInt64 {
				return fmt.Errorf("%w: box size overflows", ErrParse)
			}
			size = int64(ext)
			headerLen = 16
		case 0:
			// Box extends to end of stream.
			size = -1
		}

		if size >= 0 && size < int64(headerLen) {
			return fmt.Errorf("%w: box %q declares size %d smaller than its header", ErrParse, boxType, size)
		}

		if !initEmitted {
			if boxType != "moof" {
				err := s.copyBox(size, headerLen, func(p []byte) error {
					if len(initBuf)+len(p) > s.cfg.MaxBufferSize {
						return fmt.Errorf("%w: init segment exceeds %d bytes", ErrParse, s.cfg.MaxBufferSize)
					}
					initBuf = append(initBuf, p...)
					return nil
				})
				if err != nil {
					return err
				}
				continue
			}
			// First moof: the init segment is complete.
			if err := sink.OnInit(initBuf); err != nil {
				return err
			}
			initEmitted = true
		}

		if boxType == "moof" {
			// The moof must be buffered whole for keyframe detection.
			if size < 0 || size > int64(s.cfg.MaxBufferSize) {
				return fmt.Errorf("%w: moof box of size %d not supported", ErrParse, size)
			}
			if err := s.fill(int(size)); err != nil {
				return fmt.Errorf("%w: truncated moof box", ErrParse)
			}

			if open {
				if err := sink.EndSegment(); err != nil {
					return err
				}
				open = false
			}

			keyframe := firstSegment || moofHasSyncSample(s.buf[:size])
			firstSegment = false

			if err := sink.StartSegment(seq, keyframe); err != nil {
				return err
			}
			seq++
			open = true

			if len(pending) > 0 {
				if err := sink.SegmentData(pending); err != nil {
					return err
				}
				pending = nil
			}
			if err := sink.SegmentData(s.buf[:size]); err != nil {
				return err
			}
			s.consume(int(size))
			continue
		}

		if open {
			if err := s.copyBox(size, headerLen, sink.SegmentData); err != nil {
				return err
			}
			// The transcoder's fragments end after mdat; closing the
			// segment here instead of at the next moof keeps delivery
			// latency at one fragment.
			if boxType == "mdat" {
				if err := sink.EndSegment(); err != nil {
					return err
				}
				open = false
			}
			continue
		}

		// A box between a completed segment and the next moof; hold it so
		// it lands at the front of the next segment.
		err := s.copyBox(size, headerLen, func(p []byte) error {
			if len(pending)+len(p) > s.cfg.MaxBufferSize {
				return fmt.Errorf("%w: inter-segment data exceeds %d bytes", ErrParse, s.cfg.MaxBufferSize)
			}
			pending = append(pending, p...)
			return nil
		})
		if err != nil {
			return err
		}
	}

	// End of stream.
	if open {
		if err := sink.EndSegment(); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		if err := sink.StartSegment(seq, false); err != nil {
			return err
		}
		if err := sink.SegmentData(pending); err != nil {
			return err
		}
		if err := sink.EndSegment(); err != nil {
			return err
		}
	}
	if !initEmitted {
		if err := sink.OnInit(initBuf); err != nil {
			return err
		}
	}
	return nil
}

// fill reads until the buffer holds at least n bytes. Returns io.EOF if
// the stream ends first.
func (s *Segmenter) fill(n int) error {
	for len(s.buf) < n {
		if err := s.refill(); err != nil {
			return err
		}
	}
	return nil
}

// refill reads one chunk from the stream.
func (s *Segmenter) refill() error {
	chunk := make([]byte, s.cfg.ReadChunkSize)
	n, err := s.r.Read(chunk)
	if n > 0 {
		s.buf = append(s.buf, chunk[:n]...)
		return nil
	}
	if err == nil {
		err = io.EOF
	}
	return err
}

// consume drops n bytes from the front of the buffer.
func (s *Segmenter) consume(n int) {
	rest := len(s.buf) - n
	copy(s.buf, s.buf[n:])
	s.buf = s.buf[:rest]
}

// copyBox forwards one box (header and body) to write in bounded chunks.
// A negative size means the box extends to end of stream.
func (s *Segmenter) copyBox(size int64, headerLen int, write func([]byte) error) error {
	if err := write(s.buf[:headerLen]); err != nil {
		return err
	}
	s.consume(headerLen)

	remaining := int64(-1)
	if size >= 0 {
		remaining = size - int64(headerLen)
	}

	for remaining != 0 {
		if len(s.buf) == 0 {
			if err := s.refill(); err != nil {
				if err == io.EOF {
					if size < 0 {
						return nil
					}
					return fmt.Errorf("%w: truncated box body", ErrParse)
				}
				return err
			}
		}

		n := len(s.buf)
		if remaining >= 0 && int64(n) > remaining {
			n = int(remaining)
		}
		if err := write(s.buf[:n]); err != nil {
			return err
		}
		s.consume(n)
		if remaining >= 0 {
			remaining -= int64(n)
		}
	}
	return nil
}

// sampleIsNonSync is the sample_is_non_sync_sample bit in ISO-BMFF
// sample flags.
const sampleIsNonSync = 0x00010000

// moofHasSyncSample reports whether the moof's first sample in any traf
// is a sync sample, using trun first-sample-flags, per-sample flags, or
// the tfhd default.
func moofHasSyncSample(moof []byte) bool {
	hdr := 8
	if len(moof) >= 16 && binary.BigEndian.Uint32(moof[0:4]) == 1 {
		hdr = 16
	}
	if len(moof) < hdr {
		return false
	}

	sync := false
	walkBoxes(moof[hdr:], func(typ string, body []byte) {
		if typ != "traf" || sync {
			return
		}
		var defaultFlags uint32
		var hasDefault bool

		walkBoxes(body, func(t string, b []byte) {
			switch t {
			case "tfhd":
				if len(b) < 8 {
					return
				}
				flags := binary.BigEndian.Uint32(b[0:4]) & 0xFFFFFF
				off := 8
				if flags&0x000001 != 0 {
					off += 8 // base-data-offset
				}
				if flags&0x000002 != 0 {
					off += 4 // sample-description-index
				}
				if flags&0x000008 != 0 {
					off += 4 // default-sample-duration
				}
				if flags&0x000010 != 0 {
					off += 4 // default-sample-size
				}
				if flags&0x000020 != 0 && len(b) >= off+4 {
					defaultFlags = binary.BigEndian.Uint32(b[off : off+4])
					hasDefault = true
				}

			case "trun":
				if len(b) < 8 {
					return
				}
				flags := binary.BigEndian.Uint32(b[0:4]) & 0xFFFFFF
				sampleCount := binary.BigEndian.Uint32(b[4:8])
				off := 8
				if flags&0x000001 != 0 {
					off += 4 // data-offset
				}
				if flags&0x000004 != 0 {
					// first-sample-flags
					if len(b) >= off+4 {
						f := binary.BigEndian.Uint32(b[off : off+4])
						if f&sampleIsNonSync == 0 {
							sync = true
						}
					}
					return
				}
				if flags&0x000400 != 0 && sampleCount > 0 {
					// per-sample flags: locate the first sample's entry
					if flags&0x000100 != 0 {
						off += 4 // sample-duration
					}
					if flags&0x000200 != 0 {
						off += 4 // sample-size
					}
					if len(b) >= off+4 {
						f := binary.BigEndian.Uint32(b[off : off+4])
						if f&sampleIsNonSync == 0 {
							sync = true
						}
					}
					return
				}
				if hasDefault && defaultFlags&sampleIsNonSync == 0 {
					sync = true
				}
			}
		})
	})
	return sync
}

// walkBoxes iterates the boxes in a contiguous buffer, calling fn with
// each box's type and body. Malformed sizes terminate the walk.
func walkBoxes(data []byte, fn func(typ string, body []byte)) {
	for len(data) >= 8 {
		size := int64(binary.BigEndian.Uint32(data[0:4]))
		typ := string(data[4:8])
		hdr := int64(8)

		switch size {
		case 1:
			if len(data) < 16 {
				return
			}
			ext := binary.BigEndian.Uint64(data[8:16])
			if ext > math.MaxInt64 {
				return
			}
			size = int64(ext)
			hdr = 16
		case 0:
			size = int64(len(data))
		}

		if size < hdr || size > int64(len(data)) {
			return
		}
		fn(typ, data[hdr:size])
		data = data[size:]
	}
}
