// Package client talks to a scan worker over HTTP. It only ever polls: a
// scan is created, its status read until it settles, and live-session
// signals are sent when the user's tab changes state.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/masa-finance/scan-worker/api/types"
)

// Client represents a client to interact with the scan worker.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	options    *Options
}

// NewClient creates a new Client instance.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	options, err := NewOptions(opts...)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		MaxConnsPerHost:     options.Pool.MaxConnsPerHost,
		MaxIdleConns:        options.Pool.MaxIdleConns,
		MaxIdleConnsPerHost: options.Pool.MaxIdleConnsPerHost,
		IdleConnTimeout:     options.Pool.IdleConnTimeout,
	}
	if options.insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: options.Timeout, Transport: transport},
		options:    options,
	}, nil
}

// APIError is a non-2xx answer from the worker.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("error: received status code %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("error: received status code %d: %s", e.StatusCode, e.Message)
}

// do sends a JSON request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("error marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.options.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.options.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("error sending %s request: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var respErr types.ErrorResponse
		if json.Unmarshal(data, &respErr) == nil && respErr.Error != "" {
			apiErr.Kind = respErr.Kind
			apiErr.Message = respErr.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("error unmarshaling response: %w", err)
	}
	return nil
}

// CreateScan asks the worker to extract the followers of handle and returns
// a Scan that can be polled.
func (c *Client) CreateScan(ctx context.Context, req types.CreateScanRequest) (*Scan, error) {
	var res types.CreateScanResponse
	if err := c.do(ctx, http.MethodPost, "/scan", req, &res); err != nil {
		return nil, err
	}
	return c.newScan(res.ScanID), nil
}

// GetStatus reads the current projection of a scan.
func (c *Client) GetStatus(ctx context.Context, scanID string) (*types.ScanView, error) {
	var view types.ScanView
	if err := c.do(ctx, http.MethodGet, "/scan/"+scanID, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Retry re-dispatches a failed scan.
func (c *Client) Retry(ctx context.Context, scanID string) (*Scan, error) {
	var res types.CreateScanResponse
	if err := c.do(ctx, http.MethodPost, "/scan/"+scanID+"/retry", nil, &res); err != nil {
		return nil, err
	}
	return c.newScan(res.ScanID), nil
}

// SubmitSession hands captured browser session material to the vault.
func (c *Client) SubmitSession(ctx context.Context, session types.SessionSubmission) (*types.SessionReceipt, error) {
	var receipt types.SessionReceipt
	if err := c.do(ctx, http.MethodPost, "/session", session, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *Client) CheckValidity(ctx context.Context) (*types.ValidityResponse, error) {
	var res types.ValidityResponse
	if err := c.do(ctx, http.MethodGet, "/session/validity", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Claim moves an anonymously submitted session to the caller.
func (c *Client) Claim(ctx context.Context, anonymousID string) error {
	return c.do(ctx, http.MethodPost, "/session/claim", types.ClaimRequest{AnonymousID: anonymousID}, nil)
}

// Signal sends a live-session action (start_extraction or session_ended).
func (c *Client) Signal(ctx context.Context, scanID, action string) (*types.SignalResponse, error) {
	var res types.SignalResponse
	if err := c.do(ctx, http.MethodPost, "/live-session", types.SignalRequest{ScanID: scanID, Action: action}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Healthz(ctx context.Context) (*types.HealthResponse, error) {
	var res types.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
