// Package sym defines the glyphs StudioOS prints in logs and the CLI.
// These symbols are stable across UI, CLI, and documentation.
package sym

// System infrastructure symbols.
const (
	Pulse      = "꩜" // async jobs, queueing, retries
	PulseOpen  = "✿" // graceful startup with orphaned job recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration and system settings
	Delivery   = "⟶" // platform delivery fan-out
	Blob       = "▤" // stored assets
)

// Descriptions provides human-readable explanations for each glyph.
var Descriptions = map[string]string{
	Pulse:      "Async jobs, queueing, retries",
	PulseOpen:  "Graceful startup with orphaned job recovery",
	PulseClose: "Graceful shutdown",
	DB:         "Database/storage layer",
	AM:         "Configuration and system settings",
	Delivery:   "Multi-platform delivery",
	Blob:       "Stored assets",
}
