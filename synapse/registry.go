package synapse

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/hearthcore/core"
	"github.com/hupe1980/hearthcore/logging"
)

// stateKey names the encrypted state bucket entry holding the registry.
const stateKey = "synapse.registry"

// StateStore persists the registry's plugin set. Satisfied by the vault's
// named encrypted state bucket.
type StateStore interface {
	PutState(ctx context.Context, name string, plaintext []byte) error
	GetState(ctx context.Context, name string) ([]byte, error)
}

// Handler is executable plugin code bound to an entry descriptor.
type Handler func(ctx context.Context, operation string, payload map[string]any) (map[string]any, error)

// Plugin is a registered plugin as reported to callers.
type Plugin struct {
	Manifest     Manifest          `json:"manifest"`
	Status       core.PluginStatus `json:"status"`
	RegisteredAt time.Time         `json:"registered_at"`
	Breaker      core.BreakerState `json:"breaker"`
}

type pluginEntry struct {
	manifest     Manifest
	status       core.PluginStatus
	registeredAt time.Time
	breaker      *breaker
}

// Options configures the registry.
type Options struct {
	// FailureThreshold is the consecutive-failure count that opens a
	// plugin's breaker.
	FailureThreshold int
	// Cooldown is how long an open breaker fails fast before allowing a
	// probe.
	Cooldown time.Duration
	// ExecuteTimeout bounds a single plugin execution.
	ExecuteTimeout time.Duration
	// Logger receives structured registry events. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Registry tracks plugins, their lifecycle, and their circuit breakers.
// Safe for concurrent use.
type Registry struct {
	state  StateStore
	logger logging.Logger

	threshold   int
	cooldown    time.Duration
	execTimeout time.Duration

	mu       sync.RWMutex
	plugins  map[string]*pluginEntry
	handlers map[string]Handler
}

// NewRegistry creates a registry and reloads any persisted plugin set from
// the state store. Reloaded breakers start closed.
func NewRegistry(ctx context.Context, state StateStore, optFns ...func(o *Options)) (*Registry, error) {
	opts := Options{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		ExecuteTimeout:   30 * time.Second,
		Logger:           logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	r := &Registry{
		state:       state,
		logger:      logging.OrNoOp(opts.Logger),
		threshold:   opts.FailureThreshold,
		cooldown:    opts.Cooldown,
		execTimeout: opts.ExecuteTimeout,
		plugins:     make(map[string]*pluginEntry),
		handlers:    make(map[string]Handler),
	}
	if err := r.reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// persistedPlugin is the serialized registry entry. Breaker state is
// deliberately not persisted.
type persistedPlugin struct {
	Manifest     Manifest          `json:"manifest"`
	Status       core.PluginStatus `json:"status"`
	RegisteredAt int64             `json:"registered_at"`
}

func (r *Registry) reload(ctx context.Context) error {
	const op = "synapse.reload"
	data, err := r.state.GetState(ctx, stateKey)
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return nil
		}
		return core.E(op, core.KindPersistence, "registry", "", err)
	}

	var persisted []persistedPlugin
	if err := json.Unmarshal(data, &persisted); err != nil {
		return core.E(op, core.KindPersistence, "registry", "", err)
	}
	for _, p := range persisted {
		r.plugins[p.Manifest.Name] = &pluginEntry{
			manifest:     p.Manifest,
			status:       p.Status,
			registeredAt: time.Unix(p.RegisteredAt, 0),
			breaker:      newBreaker(r.threshold, r.cooldown),
		}
	}
	r.logger.Info("plugin registry reloaded", "plugins", len(persisted))
	return nil
}

// persistLocked writes the plugin set to the state store. Callers hold
// r.mu.
func (r *Registry) persistLocked(ctx context.Context) error {
	persisted := make([]persistedPlugin, 0, len(r.plugins))
	for _, e := range r.plugins {
		persisted = append(persisted, persistedPlugin{
			Manifest:     e.manifest,
			Status:       e.status,
			RegisteredAt: e.registeredAt.Unix(),
		})
	}
	sort.Slice(persisted, func(i, j int) bool { return persisted[i].Manifest.Name < persisted[j].Manifest.Name })

	data, err := json.Marshal(persisted)
	if err != nil {
		return err
	}
	return r.state.PutState(ctx, stateKey, data)
}

// BindEntry associates executable code with an entry descriptor. Plugins
// whose manifest names this descriptor execute through h.
func (r *Registry) BindEntry(entry string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[entry] = h
}

// Register validates the manifest and adds the plugin in the inactive
// state.
func (r *Registry) Register(ctx context.Context, manifest Manifest) (*Plugin, error) {
	const op = "synapse.register"
	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[manifest.Name]; exists {
		return nil, core.Ef(op, core.KindValidation, "plugin", manifest.Name, "plugin is already registered")
	}

	entry := &pluginEntry{
		manifest:     manifest,
		status:       core.PluginInactive,
		registeredAt: time.Now(),
		breaker:      newBreaker(r.threshold, r.cooldown),
	}
	r.plugins[manifest.Name] = entry
	if err := r.persistLocked(ctx); err != nil {
		delete(r.plugins, manifest.Name)
		return nil, core.E(op, core.KindPersistence, "plugin", manifest.Name, err)
	}

	r.logger.Info("plugin registered", "plugin", manifest.Name, "version", manifest.Version)
	return entry.view(), nil
}

// Activate moves a plugin to the active state. It fails while the plugin's
// breaker is open.
func (r *Registry) Activate(ctx context.Context, name string) error {
	const op = "synapse.activate"
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.entryLocked(op, name)
	if err != nil {
		return err
	}
	if e.breaker.currentState() == core.BreakerOpen {
		return core.Ef(op, core.KindCircuitOpen, "plugin", name, "circuit breaker is open")
	}
	if e.status == core.PluginActive {
		return nil
	}

	prev := e.status
	e.status = core.PluginActive
	if err := r.persistLocked(ctx); err != nil {
		e.status = prev
		return core.E(op, core.KindPersistence, "plugin", name, err)
	}
	r.logger.Info("plugin activated", "plugin", name)
	return nil
}

// Deactivate moves a plugin to the inactive state.
func (r *Registry) Deactivate(ctx context.Context, name string) error {
	const op = "synapse.deactivate"
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.entryLocked(op, name)
	if err != nil {
		return err
	}
	if e.status == core.PluginInactive {
		return nil
	}

	prev := e.status
	e.status = core.PluginInactive
	if err := r.persistLocked(ctx); err != nil {
		e.status = prev
		return core.E(op, core.KindPersistence, "plugin", name, err)
	}
	r.logger.Info("plugin deactivated", "plugin", name)
	return nil
}

// Remove deletes a plugin. Only inactive plugins may be removed.
func (r *Registry) Remove(ctx context.Context, name string) error {
	const op = "synapse.remove"
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.entryLocked(op, name)
	if err != nil {
		return err
	}
	if e.status != core.PluginInactive {
		return core.Ef(op, core.KindInvalidState, "plugin", name, "plugin is %s, deactivate before removing", e.status)
	}

	delete(r.plugins, name)
	if err := r.persistLocked(ctx); err != nil {
		r.plugins[name] = e
		return core.E(op, core.KindPersistence, "plugin", name, err)
	}
	r.logger.Info("plugin removed", "plugin", name)
	return nil
}

// Execute runs a plugin operation through its circuit breaker with the
// configured execution deadline. An open breaker fails fast; a deadline
// overrun counts as a breaker failure and is reported as a timeout.
func (r *Registry) Execute(ctx context.Context, name, operation string, payload map[string]any) (map[string]any, error) {
	const op = "synapse.execute"

	r.mu.RLock()
	e, err := r.entryLocked(op, name)
	var handler Handler
	var status core.PluginStatus
	if err == nil {
		handler = r.handlers[e.manifest.Entry]
		status = e.status
	}
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	// Errored plugins stay executable so the breaker probe can recover
	// them; only inactive plugins are refused outright.
	if status == core.PluginInactive {
		return nil, core.Ef(op, core.KindInvalidState, "plugin", name, "plugin is inactive")
	}
	if handler == nil {
		return nil, core.Ef(op, core.KindNotFound, "plugin", name, "no executor bound for entry %q", e.manifest.Entry)
	}
	if !e.breaker.allow() {
		return nil, core.Ef(op, core.KindCircuitOpen, "plugin", name, "circuit breaker is open")
	}

	execCtx, cancel := context.WithTimeout(ctx, r.execTimeout)
	defer cancel()

	start := time.Now()
	output, execErr := handler(execCtx, operation, payload)
	if execErr != nil {
		e.breaker.failure()
		r.markErrorIfOpen(ctx, name, e)
		r.logger.Warn("plugin call failed", "plugin", name, "operation", operation,
			"duration", time.Since(start), "error", execErr)

		kind := core.KindInternal
		if errors.Is(execErr, context.DeadlineExceeded) {
			kind = core.KindTimeout
		}
		return nil, core.E(op, kind, "plugin", name, execErr)
	}

	e.breaker.success()
	r.clearErrorStatus(ctx, name, e)
	r.logger.Debug("plugin call completed", "plugin", name, "operation", operation,
		"duration", time.Since(start))
	return output, nil
}

// markErrorIfOpen flags the plugin as errored once its breaker opens.
func (r *Registry) markErrorIfOpen(ctx context.Context, name string, e *pluginEntry) {
	if e.breaker.currentState() != core.BreakerOpen {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.status != core.PluginActive {
		return
	}
	e.status = core.PluginError
	if err := r.persistLocked(ctx); err != nil {
		r.logger.Warn("persisting plugin error status failed", "plugin", name, "error", err)
	}
	r.logger.Warn("plugin circuit opened", "plugin", name)
}

// clearErrorStatus restores an errored plugin to active after a successful
// probe.
func (r *Registry) clearErrorStatus(ctx context.Context, name string, e *pluginEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.status != core.PluginError {
		return
	}
	e.status = core.PluginActive
	if err := r.persistLocked(ctx); err != nil {
		r.logger.Warn("persisting plugin status failed", "plugin", name, "error", err)
	}
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) (*Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.entryLocked("synapse.get", name)
	if err != nil {
		return nil, err
	}
	return e.view(), nil
}

// List returns all plugins sorted by name.
func (r *Registry) List() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	plugins := make([]*Plugin, 0, len(r.plugins))
	for _, e := range r.plugins {
		plugins = append(plugins, e.view())
	}
	sort.Slice(plugins, func(i, j int) bool { return plugins[i].Manifest.Name < plugins[j].Manifest.Name })
	return plugins
}

// IsActive reports whether the named plugin exists and is active. Used by
// the handoff coordinator's capability check.
func (r *Registry) IsActive(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.plugins[name]
	return ok && e.status == core.PluginActive
}

// Knows reports whether the named plugin is registered at all.
func (r *Registry) Knows(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.plugins[name]
	return ok
}

func (r *Registry) entryLocked(op, name string) (*pluginEntry, error) {
	e, ok := r.plugins[name]
	if !ok {
		return nil, core.Ef(op, core.KindNotFound, "plugin", name, "plugin not found")
	}
	return e, nil
}

func (e *pluginEntry) view() *Plugin {
	return &Plugin{
		Manifest:     e.manifest,
		Status:       e.status,
		RegisteredAt: e.registeredAt,
		Breaker:      e.breaker.currentState(),
	}
}
