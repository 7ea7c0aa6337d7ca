package vault

import (
	"strings"
	"time"
)

// Material is what a client browser captured after logging into X. It only
// ever lives sealed in the vault and in memory on its way into a sandbox.
type Material struct {
	Cookies        map[string]string `json:"cookies"`
	LocalStorage   map[string]string `json:"localStorage,omitempty"`
	SessionStorage map[string]string `json:"sessionStorage,omitempty"`
	UserAgent      string            `json:"userAgent,omitempty"`
	URL            string            `json:"url,omitempty"`
	CapturedAt     time.Time         `json:"capturedAt"`
	OwnerID        string            `json:"ownerId,omitempty"`
}

// cleanCookies drops cookies without a name.
func cleanCookies(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for name, value := range in {
		if name = strings.TrimSpace(name); name != "" {
			out[name] = value
		}
	}
	return out
}

// Entry is the stored form: the sealed material plus the metadata needed to
// judge it without unsealing.
type Entry struct {
	Key         string
	Sealed      string
	CookieCount int
	CapturedAt  time.Time
	Reads       int
	Valid       bool
}

func (e Entry) usable(now time.Time, freshness time.Duration, maxReads int) bool {
	return e.Valid &&
		e.CookieCount > 0 &&
		e.Reads < maxReads &&
		now.Sub(e.CapturedAt) < freshness
}
