package harness

// Trace event types.
const (
	EventStep   = "step"
	EventChange = "event"
	EventReplay = "replay"
	EventState  = "state"
	EventQueue  = "queue"
)

// TraceEvent is one entry of a scenario trace. Fields holds the
// type-specific values; every value is a string, bool, int64 or a map of
// those so the trace can be written as canonical JSON.
type TraceEvent struct {
	Seq    int64          `json:"seq"`
	Type   string         `json:"type"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when no step failed unexpectedly and every
	// expectation held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// add appends an event with the next sequence number.
func (r *Result) add(typ string, fields map[string]any) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:    int64(len(r.Trace) + 1),
		Type:   typ,
		Fields: fields,
	})
}

// Events returns the trace entries of one type.
func (r *Result) Events(typ string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
