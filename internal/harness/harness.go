package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/roach88/docstate/internal/docmodel"
	"github.com/roach88/docstate/internal/ident"
	"github.com/roach88/docstate/internal/state"
	"github.com/roach88/docstate/internal/testutil"
)

// Harness executes one scenario against its own engine.
type Harness struct {
	engine *state.Engine
	clock  *testutil.DeterministicClock
	logger *slog.Logger

	subs     map[string]*state.Subscription
	received map[string]int
}

// Option configures Run.
type Option func(*Harness)

// WithLogger routes engine logs to l. By default they are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		if l != nil {
			h.logger = l
		}
	}
}

// Run executes scenario in a fresh engine and returns its trace.
//
// The returned error reports a harness failure (the engine could not be
// opened). Step failures and unmet expectations are reported in the
// result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		clock:    testutil.NewDeterministicClock(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		subs:     make(map[string]*state.Subscription),
		received: make(map[string]int),
	}
	for _, opt := range opts {
		opt(h)
	}

	cfg := state.DefaultConfig()
	cfg.Offline = scenario.Offline
	eng, err := state.Open(cfg, state.WithClock(h.clock.Now), state.WithLogger(h.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open engine: %w", err)
	}
	defer eng.Close()
	h.engine = eng

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		fields, err := h.execute(ctx, step, result)
		if fields == nil {
			fields = map[string]any{}
		}
		fields["op"] = step.Op
		h.check(i, step, fields, err, result)
	}

	h.recordState(result)
	for _, msg := range EvaluateExpect(h, scenario.Expect) {
		result.AddError(msg)
	}
	return result, nil
}

// check records step's trace entry and compares err against the step's
// expected error code.
func (h *Harness) check(i int, step Step, fields map[string]any, err error, result *Result) {
	code := ""
	if err != nil {
		code = errorCode(err)
		fields["error"] = code
	}
	if step.Op != OpFlush && step.Op != OpReplay {
		result.add(EventStep, fields)
	}
	switch {
	case step.ExpectError == "" && err != nil:
		result.AddError(fmt.Sprintf("steps[%d] %s: unexpected error: %v", i, step.Op, err))
	case step.ExpectError != "" && err == nil:
		result.AddError(fmt.Sprintf("steps[%d] %s: expected error %s, got success", i, step.Op, step.ExpectError))
	case step.ExpectError != "" && code != step.ExpectError:
		result.AddError(fmt.Sprintf("steps[%d] %s: expected error %s, got %s", i, step.Op, step.ExpectError, code))
	}
}

func errorCode(err error) string {
	if code := state.CodeOf(err); code != "" {
		return string(code)
	}
	return "ERROR"
}

func (h *Harness) execute(ctx context.Context, step Step, result *Result) (map[string]any, error) {
	fields := map[string]any{}
	var id ident.DocumentID
	if step.Doc != "" {
		id = ident.MustParseDocumentID(step.Doc)
		fields["doc"] = step.Doc
	}

	switch step.Op {
	case OpCreate:
		_, err := h.engine.CreateDocument(id)
		return fields, err

	case OpDelete:
		return fields, h.engine.DeleteDocument(id)

	case OpPut, OpRemove, OpIncrement, OpFail:
		if step.Path != "" {
			fields["path"] = step.Path
		}
		res, err := h.engine.UpdateReactive(id, mutationFor(step))
		if err == nil {
			fields["version"] = int64(res.Version)
		}
		return fields, err

	case OpTx:
		tx := h.engine.Begin()
		for _, op := range step.Ops {
			if err := tx.Update(ident.MustParseDocumentID(op.Doc), mutationFor(op)); err != nil {
				_ = h.engine.Rollback(tx)
				return fields, err
			}
		}
		res, err := h.engine.Commit(tx)
		if err == nil {
			fields["count"] = int64(len(res.Applied))
		}
		return fields, err

	case OpSubscribe:
		fields["subscription"] = step.Name
		filter := state.DocumentFilter(id)
		if step.Pattern != "" {
			fields["path"] = step.Pattern
			var err error
			if filter, err = state.PathFilter(id, step.Pattern); err != nil {
				return fields, err
			}
		}
		h.subs[step.Name] = h.engine.Subscribe(filter)
		return fields, nil

	case OpUnsubscribe:
		fields["subscription"] = step.Name
		sub, ok := h.subs[step.Name]
		if !ok {
			return fields, fmt.Errorf("unknown subscription %q", step.Name)
		}
		delete(h.subs, step.Name)
		return fields, h.engine.Unsubscribe(sub.ID())

	case OpFlush:
		h.engine.Flush()
		h.drain(result)
		return fields, nil

	case OpOffline:
		on, _ := step.Value.(bool)
		h.engine.SetOffline(on)
		fields["value"] = on
		return fields, nil

	case OpReplay:
		results, err := h.engine.Replay(ctx, state.ReplayOptions{MaxRetries: step.Retries})
		fields["count"] = int64(len(results))
		result.add(EventStep, withOp(fields, OpReplay))
		for _, r := range results {
			ev := map[string]any{
				"op":  string(r.Operation.Kind),
				"doc": r.Operation.DocumentID.String(),
			}
			if r.Err != nil {
				ev["error"] = errorCode(r.Err)
			}
			result.add(EventReplay, ev)
		}
		return fields, err

	case OpSnapshot:
		snap, err := h.engine.Snapshots().CreateSnapshot(id)
		if err == nil {
			fields["snapshot"] = int64(snap.Metadata.Seq)
			fields["version"] = int64(snap.Metadata.DocVersion)
		}
		return fields, err

	case OpClearQueue:
		fields["count"] = int64(h.engine.Queue().Len())
		h.engine.Queue().Clear()
		return fields, nil
	}
	return fields, fmt.Errorf("unknown op %q", step.Op)
}

func withOp(fields map[string]any, op string) map[string]any {
	fields["op"] = op
	return fields
}

// drain appends the flush entry followed by every delivered event, one
// subscription at a time in name order.
func (h *Harness) drain(result *Result) {
	names := make([]string, 0, len(h.subs))
	for name := range h.subs {
		names = append(names, name)
	}
	sort.Strings(names)

	var events []map[string]any
	for _, name := range names {
		sub := h.subs[name]
		for {
			ev, ok := sub.TryRecv()
			if !ok {
				break
			}
			h.received[name]++
			fields := map[string]any{
				"subscription": name,
				"doc":          ev.DocumentID.String(),
			}
			if ev.Path != "" {
				fields["path"] = ev.Path
			}
			events = append(events, fields)
		}
	}

	result.add(EventStep, map[string]any{"op": OpFlush, "count": int64(len(events))})
	for _, ev := range events {
		result.add(EventChange, ev)
	}
}

// recordState appends the final content and version of every document
// and the queue length.
func (h *Harness) recordState(result *Result) {
	for _, id := range h.engine.Store().ListAll() {
		fields := map[string]any{"doc": id.String()}
		handle, err := h.engine.Document(id)
		if err != nil {
			result.AddError(fmt.Sprintf("state %s: %v", id, err))
			continue
		}
		if v, err := handle.Version(); err == nil {
			fields["version"] = int64(v)
		}
		var value map[string]any
		err = handle.Read(func(doc *docmodel.Doc) error {
			m, err := doc.ToMap()
			value = m
			return err
		})
		if err != nil {
			result.AddError(fmt.Sprintf("state %s: %v", id, err))
			continue
		}
		fields["value"] = value
		result.add(EventState, fields)
	}
	result.add(EventQueue, map[string]any{"count": int64(h.engine.Queue().Len())})
}
