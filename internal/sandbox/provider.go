// Package sandbox talks to the short-lived browser sandboxes follower
// extraction runs in. A Provider is the raw sandbox service; the Dispatcher
// wraps it with a capacity bound, release bookkeeping and artifact polling.
package sandbox

import (
	"context"
	"time"
)

// Handle identifies an acquired sandbox.
type Handle struct {
	ID        string    `json:"id"`
	LiveURL   string    `json:"liveUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Command struct {
	Args     []string `json:"args"`
	Detached bool     `json:"detached"`
}

type CommandResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// AuthChallenge is where a user can log in inside the sandbox browser.
type AuthChallenge struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionCookies is the browser state injected before extraction starts.
type SessionCookies struct {
	Cookies        map[string]string `json:"cookies"`
	LocalStorage   map[string]string `json:"localStorage,omitempty"`
	SessionStorage map[string]string `json:"sessionStorage,omitempty"`
	UserAgent      string            `json:"userAgent,omitempty"`
}

type Provider interface {
	Acquire(ctx context.Context, targetHandle string) (Handle, error)
	Run(ctx context.Context, h Handle, cmd Command) (CommandResult, error)
	ReadFile(ctx context.Context, h Handle, path string) ([]byte, error)
	Release(ctx context.Context, h Handle) error
	RequestInteractiveAuth(ctx context.Context, h Handle) (AuthChallenge, error)
	InjectSession(ctx context.Context, h Handle, session SessionCookies) error
	Ping(ctx context.Context) error
}
