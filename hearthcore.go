// Package hearthcore provides a high-level façade over the orchestration
// components (sessions, vault, plugin registry, reasoning pipeline and
// handoff coordination) enabling rapid construction of local multi-agent
// systems. Most applications interact with this package by:
//  1. Creating a Core via New() with the two database paths
//  2. Creating sessions and storing encrypted memory
//  3. Processing queries and handing turns between agents
//
// The façade wires the components together while keeping setup concise;
// every component remains individually importable for applications that
// need finer control.
package hearthcore

import (
	"context"
	"time"

	"github.com/hupe1980/hearthcore/handoff"
	"github.com/hupe1980/hearthcore/logging"
	"github.com/hupe1980/hearthcore/pipeline"
	"github.com/hupe1980/hearthcore/session"
	"github.com/hupe1980/hearthcore/store"
	"github.com/hupe1980/hearthcore/synapse"
	"github.com/hupe1980/hearthcore/vault"
)

// Options configures the Core instance.
type Options struct {
	// ContextWindow is the max memory-slice refs kept per session.
	ContextWindow int
	// MaxRetiredKeys bounds the vault's retired-key history.
	MaxRetiredKeys int
	// VaultCacheMaxBytes caps the vault's decrypted-slice read cache.
	VaultCacheMaxBytes int64
	// FailureThreshold opens a plugin breaker after this many consecutive
	// failures.
	FailureThreshold int
	// Cooldown is the open-breaker duration before a half-open probe.
	Cooldown time.Duration
	// ExecuteTimeout bounds a single plugin execution.
	ExecuteTimeout time.Duration
	// Reasoner overrides the pipeline's default rule reasoner.
	Reasoner pipeline.Reasoner
	// PersistRetries and RetryBackoff control pipeline write-back retries.
	PersistRetries int
	RetryBackoff   time.Duration
	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Core is the high-level façade aggregating the orchestration components.
type Core struct {
	repo     store.Repository
	Sessions *session.Manager
	Vault    *vault.Vault
	Registry *synapse.Registry
	Pipeline *pipeline.Pipeline
	Handoffs *handoff.Coordinator
}

// New opens the relational store and the vault and wires all components.
func New(ctx context.Context, dbPath, vaultDBPath string, optFns ...func(o *Options)) (*Core, error) {
	opts := Options{
		ContextWindow:    16,
		MaxRetiredKeys:   3,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		ExecuteTimeout:   30 * time.Second,
		PersistRetries:   3,
		RetryBackoff:     100 * time.Millisecond,
		Logger:           logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := logging.OrNoOp(opts.Logger)

	repo, err := store.NewSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	v, err := vault.Open(vaultDBPath, func(o *vault.Options) {
		o.MaxRetiredKeys = opts.MaxRetiredKeys
		if opts.VaultCacheMaxBytes > 0 {
			o.CacheMaxBytes = opts.VaultCacheMaxBytes
		}
		o.Logger = logger
	})
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	registry, err := synapse.NewRegistry(ctx, v, func(o *synapse.Options) {
		o.FailureThreshold = opts.FailureThreshold
		o.Cooldown = opts.Cooldown
		o.ExecuteTimeout = opts.ExecuteTimeout
		o.Logger = logger
	})
	if err != nil {
		_ = v.Close()
		_ = repo.Close()
		return nil, err
	}

	sessions := session.NewManager(repo, func(o *session.Options) {
		o.ContextWindow = opts.ContextWindow
		o.Logger = logger
	})

	p := pipeline.New(v, sessions, func(o *pipeline.Options) {
		if opts.Reasoner != nil {
			o.Reasoner = opts.Reasoner
		}
		o.PersistRetries = opts.PersistRetries
		o.RetryBackoff = opts.RetryBackoff
		o.Logger = logger
	})

	coord := handoff.NewCoordinator(sessions, repo, func(o *handoff.Options) {
		o.Capabilities = registry
		o.Logger = logger
	})

	return &Core{
		repo:     repo,
		Sessions: sessions,
		Vault:    v,
		Registry: registry,
		Pipeline: p,
		Handoffs: coord,
	}, nil
}

// Repo exposes the relational repository, e.g. for the HTTP layer's health
// check.
func (c *Core) Repo() store.Repository { return c.repo }

// Close releases the vault and the relational store.
func (c *Core) Close() error {
	verr := c.Vault.Close()
	rerr := c.repo.Close()
	if verr != nil {
		return verr
	}
	return rerr
}
