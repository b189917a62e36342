// Package etcdutil wraps the etcd v3 client with the coordination
// primitives the billing scheduler (C8) needs for single-active leader
// election across control-plane replicas.
package etcdutil

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Client wraps an etcd v3 client with convenience methods for distributed
// coordination.
type Client struct {
	cli *clientv3.Client
}

// Config holds etcd client configuration.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
}

// NewClient creates a new etcd client.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints cannot be empty")
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("creating etcd client: %w", err)
	}

	return &Client{cli: cli}, nil
}

// Close closes the etcd client connection.
func (c *Client) Close() error {
	if c.cli != nil {
		return c.cli.Close()
	}
	return nil
}

// NewSession creates a new concurrency session for leader election.
func (c *Client) NewSession(ctx context.Context, ttl int) (*concurrency.Session, error) {
	return concurrency.NewSession(c.cli, concurrency.WithTTL(ttl), concurrency.WithContext(ctx))
}

// NewElection creates an election instance scoped to prefix.
func (c *Client) NewElection(session *concurrency.Session, prefix string) *concurrency.Election {
	return concurrency.NewElection(session, prefix)
}

// Client returns the underlying etcd v3 client.
func (c *Client) Client() *clientv3.Client {
	return c.cli
}

// HealthCheck reports whether etcd is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := c.cli.Get(ctx, "health-check")
	return err
}
