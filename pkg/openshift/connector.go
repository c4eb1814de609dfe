package openshift

import (
	"context"
	"fmt"
	"sync"
)

// DialFunc opens a broker client for a configuration.
type DialFunc func(cfg Config) (Client, error)

// Connector owns the process-wide broker client. The client is created lazily
// and replaced on every Reauthenticate.
type Connector struct {
	cfg  Config
	dial DialFunc

	mu     sync.Mutex
	client Client
}

// NewConnector returns a connector that dials with dial, or with the REST
// client when dial is nil.
func NewConnector(cfg Config, dial DialFunc) *Connector {
	if dial == nil {
		dial = func(cfg Config) (Client, error) { return NewRESTClient(cfg) }
	}
	return &Connector{cfg: cfg, dial: dial}
}

// Client returns the current client, dialing one if none exists yet.
func (c *Connector) Client() (Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := c.dial(c.cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to openshift: %w", err)
	}
	c.client = client
	return client, nil
}

// Reauthenticate discards the current client, dials a fresh one and verifies
// the credentials against the user resource.
func (c *Connector) Reauthenticate(ctx context.Context) (Client, error) {
	c.mu.Lock()
	c.client = nil
	c.mu.Unlock()

	client, err := c.Client()
	if err != nil {
		return nil, err
	}
	if _, err := client.User(ctx); err != nil {
		return nil, fmt.Errorf("authenticate with openshift: %w", err)
	}
	return client, nil
}
