// Package store provides the coordination-store handles: workflow state,
// output streams and the job queue, all backed by Redis.
package store

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"agentd/pkg/logx"
	"agentd/pkg/wferrors"
)

// HandleKind names one of the three logical store handles. Each kind gets
// its own cached client so a slow stream consumer cannot starve state
// writes of connections.
type HandleKind string

const (
	KindQueue  HandleKind = "queue"
	KindStream HandleKind = "stream"
	KindState  HandleKind = "state"
)

const (
	// DefaultDialAttempts bounds connection retries before giving up.
	DefaultDialAttempts = 5
	// DefaultBackoffBase is the first reconnect delay.
	DefaultBackoffBase = 1 * time.Second
	// DefaultBackoffCap bounds the exponential reconnect delay.
	DefaultBackoffCap = 30 * time.Second
)

// ConnConfig describes how to reach the coordination store.
type ConnConfig struct {
	Addr         string
	Password     string
	DB           int
	DialAttempts int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

func (c *ConnConfig) fillDefaults() {
	if c.DialAttempts <= 0 {
		c.DialAttempts = DefaultDialAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
}

// ConnManager lazily creates and caches one client per handle kind and
// connection key. Handles are process-wide singletons per logical type.
type ConnManager struct {
	mu      sync.Mutex
	cfg     ConnConfig
	clients map[string]*redis.Client
	logger  *logx.Logger
}

func NewConnManager(cfg ConnConfig) *ConnManager {
	cfg.fillDefaults()
	return &ConnManager{
		cfg:     cfg,
		clients: make(map[string]*redis.Client),
		logger:  logx.NewLogger("store"),
	}
}

// Handle returns the cached client for a kind, dialing it on first use.
// Dialing retries with exponential backoff plus jitter up to the configured
// attempt bound; exhaustion returns a retryable ConnectionError.
func (m *ConnManager) Handle(ctx context.Context, kind HandleKind) (*redis.Client, error) {
	key := fmt.Sprintf("%s@%s/%d", kind, m.cfg.Addr, m.cfg.DB)

	m.mu.Lock()
	if client, ok := m.clients[key]; ok {
		m.mu.Unlock()
		return client, nil
	}
	m.mu.Unlock()

	client := redis.NewClient(&redis.Options{
		Addr:     m.cfg.Addr,
		Password: m.cfg.Password,
		DB:       m.cfg.DB,
	})

	var lastErr error
	for attempt := 0; attempt < m.cfg.DialAttempts; attempt++ {
		if attempt > 0 {
			delay := Backoff(attempt, m.cfg.BackoffBase, m.cfg.BackoffCap)
			m.logger.Warn("%s handle dial attempt %d failed, retrying in %s: %v",
				kind, attempt, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				client.Close()
				return nil, ctx.Err()
			}
		}
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		client.Close()
		m.logger.Error("%s handle unreachable after %d attempts: %v", kind, m.cfg.DialAttempts, lastErr)
		return nil, &wferrors.ConnectionError{Component: string(kind), Err: lastErr}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.clients[key]; ok {
		// Lost the dial race; keep the first client.
		client.Close()
		return existing, nil
	}
	m.clients[key] = client
	m.logger.Info("%s handle connected to %s", kind, m.cfg.Addr)
	return client, nil
}

// Close shuts every cached client. Safe to call once during shutdown.
func (m *ConnManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for key, client := range m.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.clients, key)
	}
	return firstErr
}

// Backoff computes the delay before the given retry attempt: exponential
// from base, capped, with up to 25% jitter to avoid thundering herds.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	delay := base << (attempt - 1)
	if delay > limit || delay <= 0 {
		delay = limit
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}
