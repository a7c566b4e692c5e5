package harness

import "github.com/roach88/docstate/internal/state"

// mutationFor turns a document step into a state mutation.
func mutationFor(step Step) state.Mutation {
	switch step.Op {
	case OpPut:
		return state.Put{Path: step.Path, Value: normalize(step.Value)}
	case OpRemove:
		return state.Delete{Path: step.Path}
	case OpIncrement:
		return state.Increment{Path: step.Path, Delta: step.Delta}
	}
	reason := step.Reason
	if reason == "" {
		reason = "rejected"
	}
	return state.Fail{Reason: reason}
}

// normalize converts YAML decoded values to the forms the document
// model stores.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case []any:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, e := range n {
			out[k] = normalize(e)
		}
		return out
	}
	return v
}
