package harness

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	View    string `json:"view"`
	Op      string `json:"op"`
	Path    string `json:"path,omitempty"`
	Attr    string `json:"attr,omitempty"`
	Version int64  `json:"version,omitempty"` // view version after commit or refresh
	Error   string `json:"error,omitempty"`   // repository error code
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: no unexpected step failure and every
	// assertion held.
	Pass bool `json:"pass"`

	// Trace contains every step in execution order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Version is the repository version after the last step.
	Version int64 `json:"version"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

// toCanonical converts the event to plain values for ir.MarshalCanonical.
func (e TraceEvent) toCanonical() map[string]any {
	m := map[string]any{
		"seq":  e.Seq,
		"view": e.View,
		"op":   e.Op,
	}
	if e.Path != "" {
		m["path"] = e.Path
	}
	if e.Attr != "" {
		m["attr"] = e.Attr
	}
	if e.Version != 0 {
		m["version"] = e.Version
	}
	if e.Error != "" {
		m["error"] = e.Error
	}
	return m
}
