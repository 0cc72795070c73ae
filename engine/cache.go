package engine

import (
	"net/http"
	"time"
)

// CacheMode selects the directive emitted on cacheable responses. Live-tail
// and error responses always get no-store regardless of the configured mode.
type CacheMode int

const (
	// CachePrivate is the default: responses are reusable by the client
	// but not shared caches.
	CachePrivate CacheMode = iota

	// CachePublic allows shared caches to hold settled historical reads.
	CachePublic

	// CacheNoStore disables caching entirely.
	CacheNoStore
)

// CachePolicy computes the caching headers for stream responses. Validators
// derive from the stream itself: the head offset is the entity tag and the
// last-append instant is the modification time.
type CachePolicy struct {
	Mode CacheMode

	// MaxAge bounds reuse of settled reads; ignored for no-store.
	MaxAge time.Duration
}

// directive renders the Cache-Control value for the policy's mode.
func (p CachePolicy) directive() string {
	switch p.Mode {
	case CachePublic:
		return "public, max-age=" + itoaSeconds(p.MaxAge)
	case CacheNoStore:
		return "no-store"
	default:
		return "private, max-age=" + itoaSeconds(p.MaxAge)
	}
}

func itoaSeconds(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs <= 0 {
		secs = 0
	}
	buf := [20]byte{}
	i := len(buf)
	if secs == 0 {
		return "0"
	}
	for secs > 0 {
		i--
		buf[i] = byte('0' + secs%10)
		secs /= 10
	}
	return string(buf[i:])
}

// Apply sets the caching headers for a cacheable response.
func (p CachePolicy) Apply(h http.Header, etag string, lastModified time.Time) {
	h.Set("Cache-Control", p.directive())
	h.Set("ETag", etag)
	if !lastModified.IsZero() {
		h.Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}
	h.Set("Vary", "Accept")
}

// NoStore marks a response uncacheable; used for live-tail rounds and every
// non-2xx response.
func NoStore(h http.Header) {
	h.Set("Cache-Control", "no-store")
}

// etagFor renders the quoted entity tag for a head offset.
func etagFor(offset string) string {
	return `"` + offset + `"`
}

// NotModified reports whether the conditional request matches the current
// entity tag.
func NotModified(h http.Header, etag string) bool {
	inm := h.Get("If-None-Match")
	return inm != "" && (inm == etag || inm == "*")
}
