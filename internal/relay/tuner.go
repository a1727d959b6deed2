package relay

import (
	"strconv"
	"strings"
)

// FritzBox SAT>IP RTSP URLs embed the tuning parameters in the query
// string. Programs on the same mux differ only in `pids` and can share a
// tuner, so the mux key excludes `pids`. The `avm` parameter selects the
// tuner slot; the registry assigns it, so it is excluded too.
var muxParams = []string{"freq", "bw", "msys", "mtype", "sr", "specinv"}

// queryParam extracts a raw query parameter without reordering the URL.
func queryParam(url, key string) (string, bool) {
	_, query, ok := strings.Cut(url, "?")
	if !ok {
		return "", false
	}
	for _, part := range strings.Split(query, "&") {
		k, v, _ := strings.Cut(part, "=")
		if k == key {
			return v, true
		}
	}
	return "", false
}

// muxKey derives the tuner-sharing key from an RTSP URL.
func muxKey(url string) string {
	var b strings.Builder
	for i, k := range muxParams {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		if v, ok := queryParam(url, k); ok {
			b.WriteString(v)
		}
	}
	return b.String()
}

// tunerSlotFromURL returns the avm tuner slot embedded in the URL, if any.
func tunerSlotFromURL(url string) (int, bool) {
	v, ok := queryParam(url, "avm")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// withTunerSlot returns the URL with the avm parameter set, preserving
// the order of the remaining parameters.
func withTunerSlot(url string, avm int) string {
	value := strconv.Itoa(avm)

	base, query, ok := strings.Cut(url, "?")
	if !ok {
		return url + "?avm=" + value
	}

	parts := strings.Split(query, "&")
	out := make([]string, 0, len(parts)+1)
	found := false
	for _, part := range parts {
		if part == "" {
			continue
		}
		k, _, _ := strings.Cut(part, "=")
		if k == "avm" {
			out = append(out, "avm="+value)
			found = true
			continue
		}
		out = append(out, part)
	}
	if !found {
		out = append(out, "avm="+value)
	}

	return base + "?" + strings.Join(out, "&")
}
