package client

import (
	"errors"
	"fmt"
	"time"
)

var errNonPositive = errors.New("must be positive")

// PoolConfig tunes the connection pool of the underlying transport.
type PoolConfig struct {
	MaxConnsPerHost     int
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

type Options struct {
	Token        string
	Timeout      time.Duration
	PollInterval time.Duration
	Pool         PoolConfig

	insecure bool
}

type Option func(*Options) error

// IgnoreTLSCert accepts the worker's self-signed attestation certificate.
func IgnoreTLSCert() Option {
	return func(o *Options) error {
		o.insecure = true
		return nil
	}
}

// Token sets the bearer token sent with every request
func Token(token string) Option {
	return func(o *Options) error {
		o.Token = token
		return nil
	}
}

func Timeout(timeout time.Duration) Option {
	return func(o *Options) error {
		if timeout <= 0 {
			return fmt.Errorf("timeout %w", errNonPositive)
		}
		o.Timeout = timeout
		return nil
	}
}

// PollInterval sets how often Scan.Wait asks for the status. Defaults to 2s.
func PollInterval(interval time.Duration) Option {
	return func(o *Options) error {
		if interval <= 0 {
			return fmt.Errorf("poll interval %w", errNonPositive)
		}
		o.PollInterval = interval
		return nil
	}
}

// Pool replaces the connection pool settings. Zero fields keep their default.
func Pool(p PoolConfig) Option {
	return func(o *Options) error {
		if p.MaxConnsPerHost > 0 {
			o.Pool.MaxConnsPerHost = p.MaxConnsPerHost
		}
		if p.MaxIdleConns > 0 {
			o.Pool.MaxIdleConns = p.MaxIdleConns
		}
		if p.MaxIdleConnsPerHost > 0 {
			o.Pool.MaxIdleConnsPerHost = p.MaxIdleConnsPerHost
		}
		if p.IdleConnTimeout > 0 {
			o.Pool.IdleConnTimeout = p.IdleConnTimeout
		}
		return nil
	}
}

func NewOptions(opts ...Option) (*Options, error) {
	o := &Options{
		Timeout:      time.Minute,
		PollInterval: 2 * time.Second,
		Pool: PoolConfig{
			MaxConnsPerHost:     100,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     2 * time.Minute,
		},
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}
