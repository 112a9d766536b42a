package synapse

import (
	"github.com/hupe1980/hearthcore/core"
)

// Permission is a capability a plugin declares in its manifest. The set is
// closed: any value outside it fails manifest validation.
type Permission string

const (
	PermVaultRead    Permission = "vault_read"
	PermVaultWrite   Permission = "vault_write"
	PermSessionRead  Permission = "session_read"
	PermSessionWrite Permission = "session_write"
	PermNet          Permission = "net"
	PermFilesystem   Permission = "filesystem"
	PermSystem       Permission = "system"
)

var knownPermissions = map[Permission]bool{
	PermVaultRead:    true,
	PermVaultWrite:   true,
	PermSessionRead:  true,
	PermSessionWrite: true,
	PermNet:          true,
	PermFilesystem:   true,
	PermSystem:       true,
}

// Manifest describes a plugin. The schema is closed and validated eagerly
// at registration time, so a malformed plugin never enters the registry.
type Manifest struct {
	// Name uniquely identifies the plugin within the registry.
	Name string `json:"name"`
	// Version is the plugin version string.
	Version string `json:"version"`
	// Entry is the executable entry descriptor the executor binding
	// resolves against.
	Entry string `json:"entry"`
	// Description is optional human-readable text.
	Description string `json:"description,omitempty"`
	// Permissions lists the capabilities the plugin requires.
	Permissions []Permission `json:"permissions,omitempty"`
}

// Validate checks the manifest against the closed schema. Every violation
// is an invalid-manifest error.
func (m *Manifest) Validate() error {
	const op = "synapse.manifest.validate"
	if m.Name == "" {
		return core.Ef(op, core.KindInvalidManifest, "plugin", "", "manifest name is required")
	}
	if m.Version == "" {
		return core.Ef(op, core.KindInvalidManifest, "plugin", m.Name, "manifest version is required")
	}
	if m.Entry == "" {
		return core.Ef(op, core.KindInvalidManifest, "plugin", m.Name, "manifest entry descriptor is required")
	}
	seen := make(map[Permission]bool, len(m.Permissions))
	for _, p := range m.Permissions {
		if !knownPermissions[p] {
			return core.Ef(op, core.KindInvalidManifest, "plugin", m.Name, "unrecognized permission %q", p)
		}
		if seen[p] {
			return core.Ef(op, core.KindInvalidManifest, "plugin", m.Name, "duplicate permission %q", p)
		}
		seen[p] = true
	}
	return nil
}

// Has reports whether the manifest declares the given permission.
func (m *Manifest) Has(p Permission) bool {
	for _, perm := range m.Permissions {
		if perm == p {
			return true
		}
	}
	return false
}
