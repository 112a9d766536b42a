package pipeline

import (
	"context"
	"time"

	"github.com/hupe1980/hearthcore/core"
	"github.com/hupe1980/hearthcore/logging"
)

// MemoryStore is the vault surface the pipeline needs: encrypted slice
// storage and retrieval.
type MemoryStore interface {
	Store(ctx context.Context, sessionID, agentID string, plaintext []byte) (*core.MemorySlice, error)
	Retrieve(ctx context.Context, sliceID string) ([]byte, error)
}

// ContextProvider is the session surface the pipeline needs: the context
// window and context propagation.
type ContextProvider interface {
	ContextWindow(ctx context.Context, sessionID string) ([]string, error)
	PropagateContext(ctx context.Context, sessionID, sliceID string) error
}

// Result is the outcome of a processed query.
type Result struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Query     string `json:"query"`
	// Reasoning is the synthesized answer.
	Reasoning string `json:"reasoning"`
	// ContextUsed lists the slice ids whose content informed the answer.
	ContextUsed []string `json:"context_used,omitempty"`
	// DroppedRefs lists context references that could not be resolved or
	// decrypted and were excluded from reasoning.
	DroppedRefs []string `json:"dropped_refs,omitempty"`
	// SliceID identifies the persisted reasoning slice; empty when
	// Unpersisted is set.
	SliceID string `json:"slice_id,omitempty"`
	// Unpersisted reports that the reasoning result could not be written
	// back after all retries.
	Unpersisted bool `json:"unpersisted,omitempty"`
}

// Options configures the pipeline.
type Options struct {
	// Reasoner produces the answer. Defaults to RuleReasoner.
	Reasoner Reasoner
	// PersistRetries is the number of write-back attempts.
	PersistRetries int
	// RetryBackoff is the initial backoff between attempts; it doubles
	// each retry.
	RetryBackoff time.Duration
	// Logger receives structured pipeline events. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Pipeline executes the fetch-reason-persist flow.
type Pipeline struct {
	memory   MemoryStore
	sessions ContextProvider
	reasoner Reasoner
	retries  int
	backoff  time.Duration
	logger   logging.Logger
}

// New creates a pipeline over the given memory store and session context
// provider.
func New(memory MemoryStore, sessions ContextProvider, optFns ...func(o *Options)) *Pipeline {
	opts := Options{
		Reasoner:       &RuleReasoner{},
		PersistRetries: 3,
		RetryBackoff:   100 * time.Millisecond,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.PersistRetries < 1 {
		opts.PersistRetries = 1
	}
	return &Pipeline{
		memory:   memory,
		sessions: sessions,
		reasoner: opts.Reasoner,
		retries:  opts.PersistRetries,
		backoff:  opts.RetryBackoff,
		logger:   logging.OrNoOp(opts.Logger),
	}
}

// ProcessQuery runs the three-step flow for a query issued by agentID in
// the session.
//
// When persistence fails after all retries, the returned Result still
// carries the reasoning (flagged Unpersisted) alongside the persistence
// error; callers should surface both.
func (p *Pipeline) ProcessQuery(ctx context.Context, sessionID, agentID, query string) (*Result, error) {
	const op = "pipeline.processQuery"
	if query == "" {
		return nil, core.Ef(op, core.KindValidation, "query", "", "query must not be empty")
	}

	result := &Result{SessionID: sessionID, AgentID: agentID, Query: query}

	// Step 1: fetch. Unresolvable references degrade, they never abort.
	refs, err := p.sessions.ContextWindow(ctx, sessionID)
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return nil, err
		}
		p.logger.Warn("context window unavailable, reasoning without context",
			"session_id", sessionID, "error", err)
		refs = nil
	}

	var contexts []string
	for _, ref := range refs {
		plaintext, err := p.memory.Retrieve(ctx, ref)
		if err != nil {
			p.logger.Warn("context reference dropped",
				"session_id", sessionID, "slice_id", ref, "error", err)
			result.DroppedRefs = append(result.DroppedRefs, ref)
			continue
		}
		contexts = append(contexts, string(plaintext))
		result.ContextUsed = append(result.ContextUsed, ref)
	}

	// Step 2: reason. Failure here is fatal.
	reasoning, err := p.reasoner.Reason(ctx, query, contexts)
	if err != nil {
		return nil, core.E(op, core.KindInternal, "query", "", err)
	}
	result.Reasoning = reasoning

	// Step 3: persist. Once begun the write-back is shielded from caller
	// cancellation so an already-computed result is never half-committed.
	persistCtx := context.WithoutCancel(ctx)
	sliceID, err := p.persist(persistCtx, sessionID, agentID, reasoning)
	if err != nil {
		result.Unpersisted = true
		p.logger.Error("reasoning result not persisted",
			"session_id", sessionID, "agent_id", agentID, "error", err)
		return result, core.E(op, core.KindPersistence, "slice", "", err)
	}
	result.SliceID = sliceID

	p.logger.Debug("query processed", "session_id", sessionID, "agent_id", agentID,
		"context_used", len(result.ContextUsed), "dropped", len(result.DroppedRefs))
	return result, nil
}

// persist stores the reasoning as a vault slice and attaches it to the
// session context window, retrying with exponential backoff.
func (p *Pipeline) persist(ctx context.Context, sessionID, agentID, reasoning string) (string, error) {
	backoff := p.backoff
	var lastErr error
	for attempt := 0; attempt < p.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}

		slice, err := p.memory.Store(ctx, sessionID, agentID, []byte(reasoning))
		if err != nil {
			lastErr = err
			continue
		}
		if err := p.sessions.PropagateContext(ctx, sessionID, slice.ID); err != nil {
			lastErr = err
			continue
		}
		return slice.ID, nil
	}
	return "", lastErr
}
