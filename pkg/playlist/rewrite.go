package playlist

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ProxyPath is the route that rewritten references point back to
const ProxyPath = "/api/v1/streamingProxy"

// maxUnwrap bounds how many nested proxy URLs are peeled off a single reference
const maxUnwrap = 8

const byteOrderMark = "\ufeff"

// ErrInvalidURL is returned for targets that are not absolute http(s) URLs
var ErrInvalidURL = errors.New("invalid target url")

// Kind classifies a target URL
type Kind int

const (
	KindSegment Kind = iota
	KindPlaylist
)

func (k Kind) String() string {
	if k == KindPlaylist {
		return "playlist"
	}
	return "segment"
}

// ContentType returns the response content type for the kind
func (k Kind) ContentType() string {
	if k == KindPlaylist {
		return "application/vnd.apple.mpegurl"
	}
	return "video/mp2t"
}

// Directives whose URI attribute points at a fetchable resource
var uriDirectives = []string{
	"#EXT-X-KEY:",
	"#EXT-X-SESSION-KEY:",
	"#EXT-X-MAP:",
	"#EXT-X-MEDIA:",
	"#EXT-X-I-FRAME-STREAM-INF:",
	"#EXT-X-SESSION-DATA:",
	"#EXT-X-PRELOAD-HINT:",
	"#EXT-X-RENDITION-REPORT:",
	"#EXT-X-PART:",
}

// ParseTarget validates a raw target URL
func ParseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if !isFetchable(u) {
		return nil, fmt.Errorf("%w: %q is not an absolute http(s) url", ErrInvalidURL, raw)
	}
	return u, nil
}

// Classify reports whether u names a playlist or a segment
func Classify(u *url.URL) Kind {
	if strings.EqualFold(path.Ext(u.Path), ".m3u8") {
		return KindPlaylist
	}
	return KindSegment
}

// ProxyURL wraps an absolute target URL into a proxy-relative URL
func ProxyURL(target string) string {
	return ProxyPath + "?url=" + url.QueryEscape(target)
}

// ResolveReference resolves ref against base and returns the absolute target it names.
// Proxy URLs are unwrapped to their inner target. ok is false when the result is not
// an http(s) URL the proxy can fetch.
func ResolveReference(base *url.URL, ref string) (string, bool) {
	refURL, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", false
	}

	for i := 0; i < maxUnwrap; i++ {
		inner, wrapped := unwrap(refURL)
		if !wrapped {
			break
		}
		if refURL, err = url.Parse(inner); err != nil {
			return "", false
		}
	}

	resolved := base.ResolveReference(refURL)
	if !isFetchable(resolved) {
		return "", false
	}
	return resolved.String(), true
}

// Rewrite replaces every fetchable reference in an M3U8 playlist with a proxy URL.
// Directive lines are kept except for URI attributes of directives that carry one.
// The line ending style and the trailing newline of the input are preserved.
func Rewrite(text, fetchedFrom string) (string, error) {
	base, err := ParseTarget(fetchedFrom)
	if err != nil {
		return "", err
	}

	// A byte-order mark would hide the #EXTM3U header from line classification
	text, bom := strings.CutPrefix(text, byteOrderMark)

	eol := "\n"
	if strings.Contains(text, "\r\n") {
		eol = "\r\n"
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		lines[i] = rewriteLine(line, base)
	}

	out := strings.Join(lines, eol)
	if bom {
		out = byteOrderMark + out
	}
	return out, nil
}

func rewriteLine(line string, base *url.URL) string {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return line
	case strings.HasPrefix(trimmed, "#"):
		if hasURIAttribute(trimmed) {
			return rewriteURIAttribute(line, base)
		}
		return line
	}

	target, ok := ResolveReference(base, trimmed)
	if !ok {
		return line
	}
	return ProxyURL(target)
}

func hasURIAttribute(directive string) bool {
	upper := strings.ToUpper(directive)
	for _, prefix := range uriDirectives {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}

// rewriteURIAttribute replaces the value of the quoted URI attribute, leaving the rest intact
func rewriteURIAttribute(line string, base *url.URL) string {
	start := indexURIAttribute(line)
	if start < 0 {
		return line
	}
	valueStart := start + len(`URI="`)
	end := strings.IndexByte(line[valueStart:], '"')
	if end < 0 {
		return line
	}
	valueEnd := valueStart + end

	target, ok := ResolveReference(base, line[valueStart:valueEnd])
	if !ok {
		return line
	}
	return line[:valueStart] + ProxyURL(target) + line[valueEnd:]
}

// indexURIAttribute finds URI=" as a whole attribute name, so KEYFORMATURI or similar
// names never match
func indexURIAttribute(line string) int {
	upper := strings.ToUpper(line)
	offset := 0
	for {
		idx := strings.Index(upper[offset:], `URI="`)
		if idx < 0 {
			return -1
		}
		idx += offset
		if idx > 0 && (upper[idx-1] == ':' || upper[idx-1] == ',') {
			return idx
		}
		offset = idx + 1
	}
}

// unwrap returns the inner target of a proxy URL
func unwrap(u *url.URL) (string, bool) {
	if u.Path != ProxyPath {
		return "", false
	}
	inner := u.Query().Get("url")
	if inner == "" {
		return "", false
	}
	return inner, true
}

func isFetchable(u *url.URL) bool {
	return u.IsAbs() && u.Host != "" && (u.Scheme == "http" || u.Scheme == "https")
}
