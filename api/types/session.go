package types

import "time"

// SessionSubmission is the browser session captured by a client. It is only
// ever sent to the vault.
type SessionSubmission struct {
	Cookies        map[string]string `json:"cookies"`
	LocalStorage   map[string]string `json:"localStorage,omitempty"`
	SessionStorage map[string]string `json:"sessionStorage,omitempty"`
	UserAgent      string            `json:"userAgent,omitempty"`
	URL            string            `json:"url,omitempty"`
}

type SessionReceipt struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id"`
}

type SessionInfo struct {
	CapturedAt     time.Time `json:"capturedAt"`
	AgeSeconds     int64     `json:"ageSeconds"`
	CookieCount    int       `json:"cookieCount"`
	ReadsRemaining int       `json:"readsRemaining"`
}

type ValidityResponse struct {
	Valid bool         `json:"valid"`
	Info  *SessionInfo `json:"info,omitempty"`
}

type ClaimRequest struct {
	AnonymousID string `json:"anonymousId"`
}

type ClaimResponse struct {
	Claimed bool `json:"claimed"`
}
