// Copyright (c) 2020-2021, Ctrl IQ, Inc. All rights reserved
// SPDX-License-Identifier: BSD-3-Clause

// Package hkp implements a client fetching public keys by
// fingerprint from an HKP keyserver.
package hkp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/ctrliq/keynotify/pkg/keystate"
	"golang.org/x/time/rate"
)

const (
	DefaultPort    = "11371"
	DefaultTimeout = 10 * time.Second

	LookupRoute = "/pks/lookup"
)

const maxBodyBytes = 1 << 20

// Kind identifies why a lookup failed.
type Kind uint8

const (
	NotFound Kind = iota + 1
	Timeout
	Transport
	Malformed
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case Timeout:
		return "timeout"
	case Transport:
		return "transport error"
	case Malformed:
		return "malformed response"
	default:
		return "unknown"
	}
}

// LookupError describes a failed key lookup.
type LookupError struct {
	Kind        Kind
	Fingerprint string
	Err         error
}

func (e *LookupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lookup of key %s: %s: %s", e.Fingerprint, e.Kind, e.Err)
	}
	return fmt.Sprintf("lookup of key %s: %s", e.Fingerprint, e.Kind)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a LookupError of kind k.
func IsKind(err error, k Kind) bool {
	var le *LookupError
	return errors.As(err, &le) && le.Kind == k
}

// Config holds the keyserver client settings.
type Config struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	// Rate is the maximum number of lookups per second,
	// zero disables throttling.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`

	HTTPClient *http.Client `yaml:"-"`
}

// Client fetches keys from a single keyserver.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
}

// ParseURL returns the HTTP URL corresponding to a keyserver
// address, hkp and hkps schemes are translated.
func ParseURL(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "hkp":
		u.Scheme = "http"
		if u.Port() == "" {
			u.Host = net.JoinHostPort(u.Hostname(), DefaultPort)
		}
	case "hkps":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported keyserver scheme '%s'", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("keyserver address %q has no host", s)
	}

	return u, nil
}

// NewClient returns a client for the keyserver described by cfg.
func NewClient(cfg Config) (*Client, error) {
	u, err := ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("while parsing keyserver url: %w", err)
	}

	c := &Client{
		base: u,
		http: cfg.HTTPClient,
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}

	return c, nil
}

// URL returns the keyserver base URL.
func (c *Client) URL() string {
	return c.base.String()
}

func (c *Client) lookupURL(fp string) string {
	u := *c.base
	u.Path = LookupRoute
	q := url.Values{}
	q.Set("op", "get")
	q.Set("options", "mr")
	q.Set("search", "0x"+fp)
	u.RawQuery = q.Encode()
	return u.String()
}

func requestError(fp string, err error) *LookupError {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &LookupError{Kind: Timeout, Fingerprint: fp, Err: err}
	}
	return &LookupError{Kind: Transport, Fingerprint: fp, Err: err}
}

// Fetch retrieves the key matching fingerprint. A single request is
// sent, failures are returned as *LookupError except for a malformed
// fingerprint argument which returns keystate.ErrBadFingerprint.
func (c *Client) Fetch(ctx context.Context, fingerprint string) (*keystate.KeyRecord, error) {
	fp, err := keystate.ParseFingerprint(fingerprint)
	if err != nil {
		return nil, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, &LookupError{Kind: Transport, Fingerprint: fp, Err: err}
			}
			return nil, &LookupError{Kind: Timeout, Fingerprint: fp, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.lookupURL(fp), nil)
	if err != nil {
		return nil, &LookupError{Kind: Transport, Fingerprint: fp, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, requestError(fp, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, &LookupError{Kind: NotFound, Fingerprint: fp}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &LookupError{
			Kind:        Transport,
			Fingerprint: fp,
			Err:         fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	b, err := ioutil.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, requestError(fp, err)
	} else if len(b) > maxBodyBytes {
		return nil, &LookupError{Kind: Malformed, Fingerprint: fp, Err: fmt.Errorf("response exceeds %d bytes", maxBodyBytes)}
	} else if len(bytes.TrimSpace(b)) == 0 {
		return nil, &LookupError{Kind: NotFound, Fingerprint: fp}
	}

	kr, err := keystate.Parse(b)
	if err != nil {
		return nil, &LookupError{Kind: Malformed, Fingerprint: fp, Err: err}
	} else if kr.Fingerprint != fp {
		return nil, &LookupError{
			Kind:        Malformed,
			Fingerprint: fp,
			Err:         fmt.Errorf("keyserver returned key %s", kr.Fingerprint),
		}
	}

	return kr, nil
}
