// Package coordinator is the background half of replyhub: it owns the
// credential store, the per-thread context cache, and the reply generator,
// and services the requests the router dispatches to it.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ume-tora/replyhub/internal/cache"
	"github.com/ume-tora/replyhub/internal/gemini"
	"github.com/ume-tora/replyhub/internal/maintenance"
	"github.com/ume-tora/replyhub/internal/protocol"
	"github.com/ume-tora/replyhub/internal/storage"
)

// credentialKey is where the provider API key lives in the store. It sits
// outside the cache prefix so eviction never touches it.
const credentialKey = "credential:gemini"

// DefaultQuota is the advertised storage budget, matching the 10 MiB limit
// of the original host storage area.
const DefaultQuota int64 = 10 * 1024 * 1024

// ErrNoCredential is returned by GenerateReply when no API key has been
// configured and none was supplied with the request.
var ErrNoCredential = errors.New("no credential configured")

// Generator produces replies from a conversation. *gemini.Client implements
// it; tests substitute fakes.
type Generator interface {
	ValidateKey(credential string) error
	Generate(ctx context.Context, credential string, messages []protocol.Message, params *gemini.Params) (string, error)
}

// Coordinator implements router.Backend over a store, a context cache, and
// a generator.
type Coordinator struct {
	store     storage.Store
	contexts  *cache.ContextCache
	generator Generator
	evictor   *maintenance.Evictor
	logger    *slog.Logger
	quota     int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaintenance attaches the cache eviction schedule; Start registers it.
func WithMaintenance(evictor *maintenance.Evictor) Option {
	return func(c *Coordinator) { c.evictor = evictor }
}

// WithQuota overrides the advertised storage quota.
func WithQuota(quota int64) Option {
	return func(c *Coordinator) {
		if quota > 0 {
			c.quota = quota
		}
	}
}

// WithLogger sets the coordinator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Coordinator.
func New(store storage.Store, contexts *cache.ContextCache, generator Generator, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		contexts:  contexts,
		generator: generator,
		logger:    slog.Default(),
		quota:     DefaultQuota,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start brings up background maintenance. Safe to call with no maintenance
// attached.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.evictor == nil {
		return nil
	}
	if err := c.evictor.Start(ctx); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}
	return nil
}

// GetCredential returns the stored API key, or empty when none is set.
func (c *Coordinator) GetCredential(ctx context.Context) (string, error) {
	value, err := c.store.Get(ctx, credentialKey)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read credential: %w", err)
	}
	var credential string
	if err := json.Unmarshal(value, &credential); err != nil {
		return "", fmt.Errorf("decode credential: %w", err)
	}
	return credential, nil
}

// SetCredential validates and persists the API key. An empty credential
// removes the stored key.
func (c *Coordinator) SetCredential(ctx context.Context, credential string) error {
	if credential == "" {
		if err := c.store.Remove(ctx, credentialKey); err != nil {
			return fmt.Errorf("remove credential: %w", err)
		}
		c.logger.Info("credential cleared")
		return nil
	}
	if err := c.generator.ValidateKey(credential); err != nil {
		return err
	}
	value, err := json.Marshal(credential)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	if err := c.store.Set(ctx, credentialKey, value); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	c.logger.Info("credential updated")
	return nil
}

// GetCachedContext returns the cached thread context, with ok reporting a
// fresh hit.
func (c *Coordinator) GetCachedContext(ctx context.Context, scope, threadID string) (json.RawMessage, bool, error) {
	return c.contexts.Get(ctx, scope, threadID)
}

// SetCachedContext caches the thread context under its scope.
func (c *Coordinator) SetCachedContext(ctx context.Context, scope, threadID string, value json.RawMessage) error {
	return c.contexts.Set(ctx, scope, threadID, value)
}

// ClearCache drops every cached context and reports how many were removed.
func (c *Coordinator) ClearCache(ctx context.Context) (int, error) {
	removed, err := c.contexts.Clear(ctx)
	if err != nil {
		return 0, err
	}
	c.logger.Info("cache cleared", "removed", removed)
	return removed, nil
}

// StorageInfo reports current storage consumption against the quota.
func (c *Coordinator) StorageInfo(ctx context.Context) (*protocol.StorageInfo, error) {
	used, err := c.store.BytesInUse(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage usage: %w", err)
	}
	return &protocol.StorageInfo{BytesInUse: used, Quota: c.quota}, nil
}

// GenerateReply produces a reply for the conversation. The request may
// carry its own credential; otherwise the stored one is used.
func (c *Coordinator) GenerateReply(ctx context.Context, credential string, messages []protocol.Message) (string, error) {
	if credential == "" {
		stored, err := c.GetCredential(ctx)
		if err != nil {
			return "", err
		}
		if stored == "" {
			return "", ErrNoCredential
		}
		credential = stored
	}
	return c.generator.Generate(ctx, credential, messages, nil)
}
