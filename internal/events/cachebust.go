package events

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// CacheBustParam is the query parameter appended to image URLs.
const CacheBustParam = "cb"

// CacheBust appends cb=<stamp> to rawURL, using '&' when a query string is already
// present and '?' otherwise. Any fragment stays at the end. Empty input stays empty.
func CacheBust(rawURL string, stamp int64) string {
	if rawURL == "" {
		return ""
	}
	base, fragment := rawURL, ""
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		base, fragment = rawURL[:i], rawURL[i:]
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + CacheBustParam + "=" + strconv.FormatInt(stamp, 10) + fragment
}

// Buster issues strictly increasing millisecond stamps, so two renders in the same
// millisecond still produce different image URLs.
type Buster struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewBuster returns a Buster driven by now (time.Now when nil).
func NewBuster(now func() time.Time) *Buster {
	if now == nil {
		now = time.Now
	}
	return &Buster{now: now}
}

// Next returns the next stamp.
func (b *Buster) Next() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	stamp := b.now().UnixMilli()
	if stamp <= b.last {
		stamp = b.last + 1
	}
	b.last = stamp
	return stamp
}

// URL returns rawURL with a fresh stamp appended.
func (b *Buster) URL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	return CacheBust(rawURL, b.Next())
}
