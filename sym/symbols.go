// Package sym defines canonical symbols for Nebular subsystems.
// These symbols are stable across logs, CLI output and the event stream.
package sym

// System infrastructure symbols.
const (
	Pulse      = "꩜" // pull orchestration, jobs, retries
	PulseOpen  = "✿" // pull started / guard acquired
	PulseClose = "❀" // pull finished / guard released
	DB         = "⊔" // database/storage layer
	Feed       = "⌁" // feed sources and fetching
	Event      = "⟿" // event bus fan-out
	Audit      = "⊢" // audit trail
	AM         = "≡" // configuration
)

// registry maps each glyph to a short label for CLI legends.
var registry = []struct {
	glyph string
	label string
}{
	{Pulse, "pulse"},
	{PulseOpen, "pulse-open"},
	{PulseClose, "pulse-close"},
	{DB, "db"},
	{Feed, "feed"},
	{Event, "event"},
	{Audit, "audit"},
	{AM, "am"},
}

// Label returns the short label for a glyph, or "" if the glyph is unknown.
func Label(glyph string) string {
	for _, e := range registry {
		if e.glyph == glyph {
			return e.label
		}
	}
	return ""
}

// All returns every registered glyph in registry order.
func All() []string {
	out := make([]string, 0, len(registry))
	for _, e := range registry {
		out = append(out, e.glyph)
	}
	return out
}
