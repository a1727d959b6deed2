// Package m3u parses extended M3U playlists as produced by the FritzBox
// DVB-C gateway and by common IPTV providers. Parsing is streaming and
// callback based so very large playlists never have to be held in memory.
package m3u

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ulikunitz/xz"
)

// Entry is a single channel entry from a playlist.
type Entry struct {
	// Duration is the EXTINF duration in seconds (-1 or 0 for live streams).
	Duration int

	// TvgID is the EPG channel identifier from tvg-id.
	TvgID string

	// TvgName is the name from tvg-name.
	TvgName string

	// TvgLogo is the channel logo URL from tvg-logo.
	TvgLogo string

	// GroupTitle is the category from group-title.
	GroupTitle string

	// Title is the display title following the EXTINF attributes.
	Title string

	// URL is the stream URL (rtsp://, http://, ...).
	URL string

	// Extra holds attributes the parser does not map to a field,
	// e.g. the EXTVLCOPT hints FritzBox emits.
	Extra map[string]string
}

// Parser is a streaming extended-M3U parser.
type Parser struct {
	// OnEntry is called for every complete entry. Returning an error
	// aborts the parse.
	OnEntry func(entry *Entry) error

	// OnError is called for recoverable per-line errors; nil ignores them.
	OnError func(lineNum int, err error)
}

// Parse reads a playlist from r, invoking OnEntry for every channel.
func (p *Parser) Parse(r io.Reader) error {
	if p.OnEntry == nil {
		return fmt.Errorf("OnEntry callback is required")
	}

	scanner := bufio.NewScanner(r)
	// Some playlists carry very long stream URLs.
	const maxLineSize = 1024 * 1024
	scanner.Buffer(make([]byte, maxLineSize), maxLineSize)

	var current *Entry
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "" || strings.HasPrefix(line, "#EXTM3U"):
			continue

		case strings.HasPrefix(line, "#EXTINF:"):
			entry, err := parseExtinf(line)
			if err != nil {
				if p.OnError != nil {
					p.OnError(lineNum, err)
				}
				continue
			}
			current = entry

		case strings.HasPrefix(line, "#EXTVLCOPT:"):
			// FritzBox emits network-caching hints here; keep them as extras.
			if current != nil {
				if k, v, ok := strings.Cut(strings.TrimPrefix(line, "#EXTVLCOPT:"), "="); ok {
					current.Extra[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
				}
			}

		case strings.HasPrefix(line, "#"):
			continue

		default:
			// URL line terminating the current entry.
			if current == nil {
				continue
			}
			current.URL = line
			if err := p.OnEntry(current); err != nil {
				return fmt.Errorf("callback error at line %d: %w", lineNum, err)
			}
			current = nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning playlist: %w", err)
	}
	return nil
}

// compressionFormats are the magic signatures of the compressed playlist
// variants seen in the wild, with their decoders.
var compressionFormats = []struct {
	name  string
	magic []byte
	open  func(io.Reader) (io.Reader, error)
}{
	{"gzip", []byte{0x1f, 0x8b}, func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) }},
	{"bzip2", []byte("BZh"), func(r io.Reader) (io.Reader, error) { return bzip2.NewReader(r), nil }},
	{"xz", []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}, func(r io.Reader) (io.Reader, error) { return xz.NewReader(r) }},
}

// ParseCompressed parses a playlist that may be compressed, sniffing the
// leading magic bytes to pick a decoder. Plain text passes through.
func (p *Parser) ParseCompressed(r io.Reader) error {
	br := bufio.NewReader(r)

	header, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return fmt.Errorf("peeking header: %w", err)
	}

	for _, format := range compressionFormats {
		if !bytes.HasPrefix(header, format.magic) {
			continue
		}
		decoded, err := format.open(br)
		if err != nil {
			return fmt.Errorf("opening %s playlist: %w", format.name, err)
		}
		if closer, ok := decoded.(io.Closer); ok {
			defer closer.Close()
		}
		return p.Parse(decoded)
	}

	return p.Parse(br)
}

// ParseAll is a convenience wrapper collecting every entry into a slice.
func ParseAll(r io.Reader) ([]*Entry, error) {
	var entries []*Entry
	p := &Parser{OnEntry: func(e *Entry) error {
		entries = append(entries, e)
		return nil
	}}
	if err := p.ParseCompressed(r); err != nil {
		return nil, err
	}
	return entries, nil
}

// parseExtinf parses `#EXTINF:<duration> [key=value ...],<title>` in a
// single forward pass. Quoted attribute values may contain commas; the
// first comma outside quotes separates the title.
func parseExtinf(line string) (*Entry, error) {
	rest, ok := strings.CutPrefix(line, "#EXTINF:")
	if !ok {
		return nil, fmt.Errorf("not an EXTINF line")
	}
	rest = strings.TrimSpace(rest)

	// Duration runs up to the first blank or comma.
	durStr := rest
	if end := strings.IndexAny(rest, " \t,"); end >= 0 {
		durStr = rest[:end]
		rest = rest[end:]
	} else {
		rest = ""
	}

	duration, err := parseDuration(durStr)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		Duration: duration,
		Extra:    make(map[string]string),
	}

	for i := 0; i < len(rest); {
		switch rest[i] {
		case ' ', '\t':
			i++

		case ',':
			entry.Title = strings.TrimSpace(rest[i+1:])
			i = len(rest)

		default:
			key, value, next, ok := scanAttr(rest, i)
			if !ok {
				// Stray token without '='; skip it.
				for i < len(rest) && rest[i] != ' ' && rest[i] != '\t' && rest[i] != ',' {
					i++
				}
				continue
			}
			i = next

			switch key {
			case "tvg-id":
				entry.TvgID = value
			case "tvg-name":
				entry.TvgName = value
			case "tvg-logo":
				entry.TvgLogo = value
			case "group-title":
				entry.GroupTitle = value
			default:
				entry.Extra[key] = value
			}
		}
	}

	return entry, nil
}

// parseDuration reads the EXTINF duration, truncating fractional seconds.
func parseDuration(s string) (int, error) {
	if whole, _, found := strings.Cut(s, "."); found {
		s = whole
	}
	d, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid EXTINF duration %q", s)
	}
	return d, nil
}

// scanAttr reads one key=value or key="value" attribute starting at i.
// next is the index just past the value. ok is false when the token at i
// is not an attribute.
func scanAttr(s string, i int) (key, value string, next int, ok bool) {
	eq := -1
	for j := i; j < len(s); j++ {
		c := s[j]
		if c == '=' {
			eq = j
			break
		}
		if c == ' ' || c == '\t' || c == ',' {
			break
		}
	}
	if eq < 0 {
		return "", "", 0, false
	}
	key = strings.ToLower(s[i:eq])

	v := eq + 1
	if v < len(s) && s[v] == '"' {
		closing := strings.IndexByte(s[v+1:], '"')
		if closing < 0 {
			return "", "", 0, false
		}
		return key, s[v+1 : v+1+closing], v + closing + 2, true
	}

	end := v
	for end < len(s) && s[end] != ' ' && s[end] != '\t' && s[end] != ',' {
		end++
	}
	return key, s[v:end], end, true
}
