package hkp

import (
	"sync"
)

// Clients keeps one client per keyserver so lookups against the
// same keyserver share the same rate limiter.
type Clients struct {
	cfg Config

	mu      sync.Mutex
	clients map[string]*Client
}

// NewClients returns a client cache, each client is configured
// with cfg and the requested keyserver URL.
func NewClients(cfg Config) *Clients {
	return &Clients{
		cfg:     cfg,
		clients: make(map[string]*Client),
	}
}

// Get returns the client for the keyserver url, an empty url
// designates the default keyserver.
func (c *Clients) Get(url string) (*Client, error) {
	if url == "" {
		url = c.cfg.URL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.clients[url]; ok {
		return cl, nil
	}

	cfg := c.cfg
	cfg.URL = url

	cl, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	c.clients[url] = cl

	return cl, nil
}
