package harness

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/docstate/internal/docmodel"
	"github.com/roach88/docstate/internal/ident"
)

// ExpectationError describes one unmet expectation.
type ExpectationError struct {
	Check    string
	Target   string
	Expected string
	Actual   string
}

func (e *ExpectationError) Error() string {
	return fmt.Sprintf("expect %s %s: expected %s, got %s", e.Check, e.Target, e.Expected, e.Actual)
}

// EvaluateExpect checks exp against the harness's engine after the run.
// Messages are returned in a stable order.
func EvaluateExpect(h *Harness, exp Expect) []string {
	var errs []error

	for _, raw := range sortedKeys(exp.Documents) {
		id := ident.MustParseDocumentID(raw)
		handle, err := h.engine.Document(id)
		if err != nil {
			errs = append(errs, &ExpectationError{"documents", raw, "document to exist", err.Error()})
			continue
		}
		var actual map[string]any
		if err := handle.Read(func(doc *docmodel.Doc) error {
			var err error
			actual, err = doc.ToMap()
			return err
		}); err != nil {
			errs = append(errs, &ExpectationError{"documents", raw, "readable document", err.Error()})
			continue
		}
		if diff := subsetDiff("", normalize(map[string]any(exp.Documents[raw])), actual); diff != "" {
			errs = append(errs, &ExpectationError{"documents", raw, "matching content", diff})
		}
	}

	for _, raw := range exp.Missing {
		if h.engine.Store().Exists(ident.MustParseDocumentID(raw)) {
			errs = append(errs, &ExpectationError{"missing", raw, "no document", "document exists"})
		}
	}

	for _, raw := range sortedKeys(exp.Versions) {
		want := exp.Versions[raw]
		handle, err := h.engine.Document(ident.MustParseDocumentID(raw))
		if err != nil {
			errs = append(errs, &ExpectationError{"versions", raw, fmt.Sprintf("version %d", want), err.Error()})
			continue
		}
		got, err := handle.Version()
		if err != nil || got != want {
			errs = append(errs, &ExpectationError{"versions", raw, fmt.Sprintf("version %d", want), fmt.Sprintf("version %d", got)})
		}
	}

	for _, name := range sortedKeys(exp.Events) {
		if got, want := h.received[name], exp.Events[name]; got != want {
			errs = append(errs, &ExpectationError{"events", name, fmt.Sprintf("%d events", want), fmt.Sprintf("%d events", got)})
		}
	}

	if exp.QueueLength != nil {
		if got := h.engine.Queue().Len(); got != *exp.QueueLength {
			errs = append(errs, &ExpectationError{"queue_length", "queue", fmt.Sprint(*exp.QueueLength), fmt.Sprint(got)})
		}
	}

	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Error()
	}
	return out
}

// subsetDiff reports the first place where expected is not contained in
// actual. Maps match when every expected key matches; other values must
// be equal.
func subsetDiff(path string, expected, actual any) string {
	if em, ok := expected.(map[string]any); ok {
		am, ok := actual.(map[string]any)
		if !ok {
			return fmt.Sprintf("%s: expected map, got %T", orRoot(path), actual)
		}
		for _, k := range sortedKeys(em) {
			av, present := am[k]
			child := strings.TrimPrefix(path+"/"+k, "/")
			if !present {
				return fmt.Sprintf("%s: missing", child)
			}
			if diff := subsetDiff(child, em[k], av); diff != "" {
				return diff
			}
		}
		return ""
	}
	if !reflect.DeepEqual(expected, actual) {
		return fmt.Sprintf("%s: expected %v (%T), got %v (%T)", orRoot(path), expected, expected, actual, actual)
	}
	return ""
}

func orRoot(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
