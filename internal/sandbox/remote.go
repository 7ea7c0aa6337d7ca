package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type RemoteConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// RemoteProvider is a client for the HTTP sandbox service.
type RemoteProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewRemoteProvider(config RemoteConfig) *RemoteProvider {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &RemoteProvider{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

type acquireRequest struct {
	Label string `json:"label"`
}

type remoteError struct {
	Error string `json:"error"`
}

func (p *RemoteProvider) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return p.client.Do(req)
}

func errorBody(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e remoteError
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(b))
}

func decodeJSON(resp *http.Response, v any) error {
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode sandbox response: %w", err)
	}
	return nil
}

func sandboxPath(h Handle, suffix string) string {
	return "/sandboxes/" + url.PathEscape(h.ID) + suffix
}

func (p *RemoteProvider) Acquire(ctx context.Context, targetHandle string) (Handle, error) {
	resp, err := p.do(ctx, http.MethodPost, "/sandboxes", acquireRequest{Label: targetHandle})
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return Handle{}, fmt.Errorf("%w: %s", ErrCapacityExceeded, errorBody(resp))
	case resp.StatusCode >= 300:
		return Handle{}, fmt.Errorf("%w: status %d: %s", ErrProvisionFailed, resp.StatusCode, errorBody(resp))
	}

	var h Handle
	if err := decodeJSON(resp, &h); err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}
	if h.ID == "" {
		return Handle{}, fmt.Errorf("%w: sandbox service returned no id", ErrProvisionFailed)
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	return h, nil
}

func (p *RemoteProvider) Run(ctx context.Context, h Handle, cmd Command) (CommandResult, error) {
	resp, err := p.do(ctx, http.MethodPost, sandboxPath(h, "/commands"), cmd)
	if err != nil {
		return CommandResult{}, fmt.Errorf("run command in %s: %w", h.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return CommandResult{}, fmt.Errorf("%w: %s", ErrUnknownSandbox, h.ID)
	}
	if resp.StatusCode >= 300 {
		return CommandResult{}, fmt.Errorf("run command in %s: status %d: %s", h.ID, resp.StatusCode, errorBody(resp))
	}

	var res CommandResult
	if err := decodeJSON(resp, &res); err != nil {
		return CommandResult{}, err
	}
	return res, nil
}

func (p *RemoteProvider) ReadFile(ctx context.Context, h Handle, path string) ([]byte, error) {
	resp, err := p.do(ctx, http.MethodGet, sandboxPath(h, "/files?path="+url.QueryEscape(path)), nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("read %s in %s: %w", path, h.ID, err)
		}
		return nil, fmt.Errorf("%w: read %s in %s: %v", ErrTransient, path, h.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: read %s in %s: status %d: %s", ErrTransient, path, h.ID, resp.StatusCode, errorBody(resp))
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("read %s in %s: status %d: %s", path, h.ID, resp.StatusCode, errorBody(resp))
	}
	return io.ReadAll(resp.Body)
}

// Release deletes the sandbox. A sandbox the service no longer knows is
// already released.
func (p *RemoteProvider) Release(ctx context.Context, h Handle) error {
	resp, err := p.do(ctx, http.MethodDelete, sandboxPath(h, ""), nil)
	if err != nil {
		return fmt.Errorf("release %s: %w", h.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("release %s: status %d: %s", h.ID, resp.StatusCode, errorBody(resp))
	}
	return nil
}

func (p *RemoteProvider) RequestInteractiveAuth(ctx context.Context, h Handle) (AuthChallenge, error) {
	resp, err := p.do(ctx, http.MethodPost, sandboxPath(h, "/auth"), nil)
	if err != nil {
		return AuthChallenge{}, fmt.Errorf("request auth for %s: %w", h.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return AuthChallenge{}, fmt.Errorf("request auth for %s: status %d: %s", h.ID, resp.StatusCode, errorBody(resp))
	}

	var ch AuthChallenge
	if err := decodeJSON(resp, &ch); err != nil {
		return AuthChallenge{}, err
	}
	return ch, nil
}

func (p *RemoteProvider) InjectSession(ctx context.Context, h Handle, session SessionCookies) error {
	resp, err := p.do(ctx, http.MethodPost, sandboxPath(h, "/session"), session)
	if err != nil {
		return fmt.Errorf("inject session into %s: %w", h.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("inject session into %s: status %d: %s", h.ID, resp.StatusCode, errorBody(resp))
	}
	return nil
}

func (p *RemoteProvider) Ping(ctx context.Context) error {
	resp, err := p.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sandbox service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
