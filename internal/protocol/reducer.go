package protocol

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sokinpui/artifact/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetProtocolLogger()
		log = &l
	})
	return log
}

// Phase is where a stream is in its lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStreaming
	PhaseDraining
	PhaseApplying
	PhaseSettled
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStreaming:
		return "streaming"
	case PhaseDraining:
		return "draining"
	case PhaseApplying:
		return "applying"
	case PhaseSettled:
		return "settled"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText decodes a phase name written by MarshalText.
func (p *Phase) UnmarshalText(b []byte) error {
	for q := PhaseIdle; q <= PhaseFailed; q++ {
		if q.String() == string(b) {
			*p = q
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool { return p == PhaseSettled || p == PhaseFailed }

// Result is the decoded content of a whole stream.
type Result struct {
	DisplayText string
	Actions     []Action
	Blocks      []Block
	Errors      []*ProtocolError
}

// Decode runs the scanner over a complete stream in one pass.
func Decode(raw string, maxTagLength int) Result {
	s := NewParseState(maxTagLength)
	s.pending = raw
	s.scan(true)
	return s.Result()
}

// ActionStatus annotates an action with its apply outcome.
type ActionStatus struct {
	Kind      string `json:"kind"`
	Action    Action `json:"action"`
	Completed bool   `json:"completed"`
	Failed    bool   `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// PendingAction is a file action whose body is still streaming.
type PendingAction struct {
	Path      string    `json:"path"`
	Operation Operation `json:"operation"`
	Bytes     int       `json:"bytes"`
}

// Snapshot is what the UI renders after every state change.
type Snapshot struct {
	Phase       Phase          `json:"phase"`
	DisplayText string         `json:"displayText"`
	Blocks      []Block        `json:"blocks,omitempty"`
	Actions     []ActionStatus `json:"actions"`
	Pending     *PendingAction `json:"pending,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// ActionResult is the outcome of applying one action.
type ActionResult struct {
	Index  int
	Action Action
	Output string
	Err    error
}

// BatchReport summarizes one apply pass.
type BatchReport struct {
	Results     []ActionResult
	FileActions int
}

// Failed returns the results that carry an error.
func (r BatchReport) Failed() []ActionResult {
	var out []ActionResult
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Applier performs one action against the sandbox.
type Applier interface {
	Apply(ctx context.Context, a Action) (output string, err error)
}

// Option configures a Reducer.
type Option func(*Reducer)

// WithPublisher registers a callback that receives every snapshot.
func WithPublisher(fn func(Snapshot)) Option {
	return func(r *Reducer) { r.publish = fn }
}

// WithMaxTagLength overrides DefaultMaxTagLength.
func WithMaxTagLength(n int) Option {
	return func(r *Reducer) { r.maxTag = n }
}

// Reducer owns the parse state of one stream and drives it from fragments to
// applied actions. It must be driven from a single goroutine.
type Reducer struct {
	state   *ParseState
	raw     strings.Builder
	phase   Phase
	maxTag  int
	applier Applier
	publish func(Snapshot)

	result   Result
	statuses []ActionStatus
	report   BatchReport
	err      error
}

// NewReducer returns an idle reducer that applies through applier.
func NewReducer(applier Applier, opts ...Option) *Reducer {
	r := &Reducer{applier: applier}
	for _, opt := range opts {
		opt(r)
	}
	r.state = NewParseState(r.maxTag)
	r.maxTag = r.state.maxTag
	return r
}

// Phase returns the current lifecycle phase.
func (r *Reducer) Phase() Phase { return r.phase }

// Raw returns every fragment received so far, concatenated.
func (r *Reducer) Raw() string { return r.raw.String() }

// OnFragment feeds one fragment and publishes the resulting snapshot.
func (r *Reducer) OnFragment(fragment string) (Snapshot, error) {
	switch r.phase {
	case PhaseIdle:
		r.phase = PhaseStreaming
	case PhaseStreaming:
	default:
		return r.Snapshot(), ErrAlreadySettled
	}
	if fragment == "" {
		return r.Snapshot(), nil
	}

	r.raw.WriteString(fragment)
	r.state.Feed(fragment)
	return r.emit(), nil
}

// OnError moves the stream to Failed. Effects already applied are kept.
func (r *Reducer) OnError(err error) Snapshot {
	if r.phase.Terminal() || r.phase == PhaseApplying {
		return r.Snapshot()
	}
	r.err = err
	r.phase = PhaseFailed
	getLog().Error().Err(err).Int("received", r.raw.Len()).Msg("Stream failed")
	return r.emit()
}

// OnComplete drains the stream, decodes the full text and applies every
// action in order. Calling it again returns the first outcome without
// re-applying anything.
func (r *Reducer) OnComplete(ctx context.Context) (Result, BatchReport, error) {
	if r.phase == PhaseFailed {
		return r.result, r.report, r.err
	}
	if r.state.applied {
		return r.result, r.report, nil
	}

	r.phase = PhaseDraining
	r.state.Finish()
	incremental := r.state.Result()
	r.result = Decode(r.raw.String(), r.maxTag)
	if !sameResult(incremental, r.result) {
		getLog().Warn().
			Int("incremental_actions", len(incremental.Actions)).
			Int("decoded_actions", len(r.result.Actions)).
			Msg("Incremental parse drifted from full decode, using full decode")
	}
	r.statuses = make([]ActionStatus, len(r.result.Actions))
	for i, a := range r.result.Actions {
		r.statuses[i] = ActionStatus{Kind: a.Kind(), Action: a}
	}
	r.emit()

	r.state.applied = true
	r.phase = PhaseApplying
	r.report = r.applyAll(ctx)

	r.phase = PhaseSettled
	r.emit()
	return r.result, r.report, nil
}

func (r *Reducer) applyAll(ctx context.Context) BatchReport {
	return ApplyActions(ctx, r.applier, r.result.Actions, func(res ActionResult) {
		if res.Err != nil {
			r.statuses[res.Index].Failed = true
			r.statuses[res.Index].Error = res.Err.Error()
			getLog().Warn().Err(res.Err).Msg("Action failed, continuing")
		} else {
			r.statuses[res.Index].Completed = true
		}
		r.emit()
	})
}

// ApplyActions runs actions in order through applier. A failed action never
// stops the ones after it; once ctx is done the rest are recorded as failed
// without being attempted. onResult, if set, sees each result as it lands.
func ApplyActions(ctx context.Context, applier Applier, actions []Action, onResult func(ActionResult)) BatchReport {
	report := BatchReport{Results: make([]ActionResult, 0, len(actions))}
	for i, a := range actions {
		if IsFileAction(a) {
			report.FileActions++
		}

		res := ActionResult{Index: i, Action: a}
		if err := ctx.Err(); err != nil {
			res.Err = &ApplyError{Index: i, Action: a, Err: err}
		} else {
			out, err := applier.Apply(ctx, a)
			res.Output = out
			if err != nil {
				res.Err = &ApplyError{Index: i, Action: a, Err: err}
			}
		}

		report.Results = append(report.Results, res)
		if onResult != nil {
			onResult(res)
		}
	}
	return report
}

// Snapshot returns the current view without publishing it.
func (r *Reducer) Snapshot() Snapshot {
	snap := Snapshot{Phase: r.phase}
	if r.err != nil {
		snap.Error = r.err.Error()
	}

	if r.statuses != nil {
		snap.DisplayText = r.result.DisplayText
		snap.Blocks = append([]Block(nil), r.result.Blocks...)
		snap.Actions = append([]ActionStatus(nil), r.statuses...)
		return snap
	}

	snap.DisplayText = r.state.DisplayText()
	snap.Blocks = append([]Block(nil), r.state.blocks...)
	snap.Actions = make([]ActionStatus, len(r.state.actions))
	for i, a := range r.state.actions {
		snap.Actions[i] = ActionStatus{Kind: a.Kind(), Action: a}
	}
	snap.Pending = r.state.Pending()
	return snap
}

func (r *Reducer) emit() Snapshot {
	snap := r.Snapshot()
	if r.publish != nil {
		r.publish(snap)
	}
	return snap
}

func sameResult(a, b Result) bool {
	return a.DisplayText == b.DisplayText &&
		slices.Equal(a.Actions, b.Actions) &&
		slices.Equal(a.Blocks, b.Blocks)
}
