package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/docstate/internal/ident"
)

// Step kinds.
const (
	OpCreate      = "create"
	OpDelete      = "delete"
	OpPut         = "put"
	OpRemove      = "remove"
	OpIncrement   = "increment"
	OpFail        = "fail"
	OpTx          = "tx"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpFlush       = "flush"
	OpOffline     = "offline"
	OpReplay      = "replay"
	OpSnapshot    = "snapshot"
	OpClearQueue  = "clear_queue"
)

// Scenario is a scripted run against a fresh engine.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Offline starts the engine with update mirroring on.
	Offline bool `yaml:"offline,omitempty"`

	Steps  []Step `yaml:"steps"`
	Expect Expect `yaml:"expect,omitempty"`
}

// Step is one scenario action. Which fields apply depends on Op.
type Step struct {
	Op      string `yaml:"op"`
	Doc     string `yaml:"doc,omitempty"`
	Path    string `yaml:"path,omitempty"`
	Value   any    `yaml:"value,omitempty"`
	Delta   int64  `yaml:"delta,omitempty"`
	Reason  string `yaml:"reason,omitempty"`
	Name    string `yaml:"name,omitempty"`    // subscription name
	Pattern string `yaml:"pattern,omitempty"` // subscription path pattern
	Retries uint32 `yaml:"retries,omitempty"` // replay
	Ops     []Step `yaml:"ops,omitempty"`     // tx

	// ExpectError is the error code the step must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Expect lists checks made after the last step.
type Expect struct {
	// Documents maps a document id to a subset of its expected content.
	Documents map[string]map[string]any `yaml:"documents,omitempty"`

	// Missing lists documents that must not exist.
	Missing []string `yaml:"missing,omitempty"`

	Versions map[string]uint64 `yaml:"versions,omitempty"`

	// Events maps a subscription name to the number of events it
	// received over the whole run.
	Events map[string]int `yaml:"events,omitempty"`

	QueueLength *int `yaml:"queue_length,omitempty"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseScenario decodes and validates a scenario. Unknown fields are
// rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that the scenario is well formed.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps must contain at least one step")
	}
	subs := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(step, fmt.Sprintf("steps[%d]", i), false); err != nil {
			return err
		}
		switch step.Op {
		case OpSubscribe:
			if subs[step.Name] {
				return fmt.Errorf("steps[%d]: subscription %q already defined", i, step.Name)
			}
			subs[step.Name] = true
		case OpUnsubscribe:
			if !subs[step.Name] {
				return fmt.Errorf("steps[%d]: unknown subscription %q", i, step.Name)
			}
		}
	}
	for name := range s.Expect.Events {
		if !subs[name] {
			return fmt.Errorf("expect.events: unknown subscription %q", name)
		}
	}
	for id := range s.Expect.Documents {
		if _, err := ident.ParseDocumentID(id); err != nil {
			return fmt.Errorf("expect.documents: %w", err)
		}
	}
	return nil
}

func validateStep(step Step, where string, inTx bool) error {
	needDoc := func() error {
		if step.Doc == "" {
			return fmt.Errorf("%s: doc is required for %s", where, step.Op)
		}
		if _, err := ident.ParseDocumentID(step.Doc); err != nil {
			return fmt.Errorf("%s: %w", where, err)
		}
		return nil
	}
	needPath := func() error {
		if err := needDoc(); err != nil {
			return err
		}
		if step.Path == "" {
			return fmt.Errorf("%s: path is required for %s", where, step.Op)
		}
		return nil
	}

	if inTx {
		switch step.Op {
		case OpPut, OpRemove, OpIncrement:
			return needPath()
		case OpFail:
			return needDoc()
		}
		return fmt.Errorf("%s: %q is not allowed inside a transaction", where, step.Op)
	}

	switch step.Op {
	case OpCreate, OpDelete, OpFail, OpSnapshot:
		return needDoc()
	case OpPut, OpRemove, OpIncrement:
		return needPath()
	case OpTx:
		if len(step.Ops) == 0 {
			return fmt.Errorf("%s: tx needs at least one op", where)
		}
		for i, op := range step.Ops {
			if err := validateStep(op, fmt.Sprintf("%s.ops[%d]", where, i), true); err != nil {
				return err
			}
		}
		return nil
	case OpSubscribe:
		if step.Name == "" {
			return fmt.Errorf("%s: name is required for subscribe", where)
		}
		return needDoc()
	case OpUnsubscribe:
		if step.Name == "" {
			return fmt.Errorf("%s: name is required for unsubscribe", where)
		}
		return nil
	case OpOffline:
		if _, ok := step.Value.(bool); !ok {
			return fmt.Errorf("%s: offline needs a boolean value", where)
		}
		return nil
	case OpFlush, OpReplay, OpClearQueue:
		return nil
	}
	return fmt.Errorf("%s: unknown op %q", where, step.Op)
}
