// Package sym holds the glyphs vigil attaches to log lines as the "symbol" field.
//
// Symbols make logs greppable by subsystem without putting decoration in the
// message text.
package sym

const (
	Pulse      = "꩜" // admission loop and workers
	PulseOpen  = "✿" // graceful startup
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // record store
	AM         = "≡" // configuration
	Gate       = "⛉" // guardrail evaluation
	Rule       = "⋈" // rule engine
	Watch      = "⨳" // file-event source
)
