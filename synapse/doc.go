// Package synapse is the plugin registry: it validates plugin manifests
// against a closed schema, tracks the plugin lifecycle
// (inactive -> active -> error), and guards every execution with a
// per-plugin circuit breaker so one failing plugin cannot drag the rest
// of the system down.
//
// Registry state is persisted through the vault's encrypted state bucket
// and reloaded on startup. Breakers always start closed after a restart.
package synapse
