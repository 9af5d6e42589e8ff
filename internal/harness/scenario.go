package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/kindstore/internal/repoerr"
)

// Scenario defines a scripted run against a fresh repository.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Kinds is the directory of CUE kind files to load before the steps.
	// Relative paths are resolved against the scenario file's directory.
	Kinds string `yaml:"kinds"`

	// Policy names the conflict policy (repo.ParsePolicy). Empty selects the
	// repository default.
	Policy string `yaml:"policy,omitempty"`

	// Backend selects the in-memory store: "sqlite" (default) or "badger".
	Backend string `yaml:"backend,omitempty"`

	// Seed seeds the generated item ids. Defaults to the scenario name.
	Seed string `yaml:"seed,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one operation on a View.
type Step struct {
	// View names the View the step runs in. Defaults to "main".
	View string `yaml:"view,omitempty"`

	// Op is the operation (see the Op constants).
	Op string `yaml:"op"`

	// Path is the absolute path of the item the step works on.
	Path string `yaml:"path,omitempty"`

	// Kind is the kind of the item created by new.
	Kind string `yaml:"kind,omitempty"`

	// Attr is the attribute written by set, unset, add and remove.
	Attr string `yaml:"attr,omitempty"`

	// Value is a literal, or an item path (or list of paths) for references.
	Value any `yaml:"value,omitempty"`

	// Values are the attributes set on an item created by new.
	Values map[string]any `yaml:"values,omitempty"`

	// Alias names a reference added to a collection.
	Alias string `yaml:"alias,omitempty"`

	// To is the new parent path for move ("//" for a root) or the new name
	// for rename.
	To string `yaml:"to,omitempty"`

	// ExpectError is the repository error code the step must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step operations.
const (
	OpNew     = "new"
	OpSet     = "set"
	OpUnset   = "unset"
	OpAdd     = "add"
	OpRemove  = "remove"
	OpDelete  = "delete"
	OpMove    = "move"
	OpRename  = "rename"
	OpCommit  = "commit"
	OpRefresh = "refresh"
	OpCancel  = "cancel"
)

// Assertion validates the final state of a View or the repository.
type Assertion struct {
	// Type specifies the assertion type (see the Assert constants).
	Type string `yaml:"type"`

	// View names the View to check. Defaults to "main".
	View string `yaml:"view,omitempty"`

	// Path and Attr locate the value checked by value; Path alone is
	// checked by missing.
	Path string `yaml:"path,omitempty"`
	Attr string `yaml:"attr,omitempty"`

	// Equals is the expected value: a literal, or an item path (or list of
	// paths) for references.
	Equals any `yaml:"equals,omitempty"`

	// Version is the expected repository version (used by version).
	Version int64 `yaml:"version,omitempty"`

	// Kind and Recursive select the items counted by count.
	Kind      string `yaml:"kind,omitempty"`
	Recursive bool   `yaml:"recursive,omitempty"`

	// Text is the query expression counted by text.
	Text string `yaml:"text,omitempty"`

	// Count is the expected number of items (used by count and text).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertValue   = "value"
	AssertMissing = "missing"
	AssertVersion = "version"
	AssertCount   = "count"
	AssertText    = "text"
)

var validOps = []string{OpNew, OpSet, OpUnset, OpAdd, OpRemove, OpDelete, OpMove, OpRename, OpCommit, OpRefresh, OpCancel}

var validCodes = []repoerr.Code{
	repoerr.CodeSchemaViolation,
	repoerr.CodeNameCollision,
	repoerr.CodeReferenceIntegrity,
	repoerr.CodeConcurrentModification,
	repoerr.CodeRepositoryClosed,
	repoerr.CodeNotFound,
	repoerr.CodeRepositoryCorruption,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Kinds != "" && !filepath.IsAbs(scenario.Kinds) {
		scenario.Kinds = filepath.Join(filepath.Dir(path), scenario.Kinds)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Kinds == "" {
		return fmt.Errorf("kinds directory is required")
	}
	if _, err := os.Stat(s.Kinds); os.IsNotExist(err) {
		return fmt.Errorf("kinds directory not found: %s", s.Kinds)
	}
	switch s.Backend {
	case "", "sqlite", "badger":
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s *Step) error {
	if !slices.Contains(validOps, s.Op) {
		return fmt.Errorf("steps[%d]: unknown op %q", index, s.Op)
	}
	switch s.Op {
	case OpCommit, OpRefresh, OpCancel:
	default:
		if s.Path == "" {
			return fmt.Errorf("steps[%d]: path is required for %s", index, s.Op)
		}
	}
	switch s.Op {
	case OpSet, OpAdd, OpRemove:
		if s.Attr == "" {
			return fmt.Errorf("steps[%d]: attr is required for %s", index, s.Op)
		}
		if s.Value == nil {
			return fmt.Errorf("steps[%d]: value is required for %s", index, s.Op)
		}
	case OpUnset:
		if s.Attr == "" {
			return fmt.Errorf("steps[%d]: attr is required for unset", index)
		}
	case OpMove, OpRename:
		if s.To == "" {
			return fmt.Errorf("steps[%d]: to is required for %s", index, s.Op)
		}
	}
	if s.ExpectError != "" && !slices.Contains(validCodes, repoerr.Code(s.ExpectError)) {
		return fmt.Errorf("steps[%d]: unknown error code %q", index, s.ExpectError)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertValue:
		if a.Path == "" || a.Attr == "" {
			return fmt.Errorf("assertions[%d]: path and attr are required for value", index)
		}
		if a.Equals == nil {
			return fmt.Errorf("assertions[%d]: equals is required for value", index)
		}
	case AssertMissing:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for missing", index)
		}
	case AssertVersion:
		if a.Version < 0 {
			return fmt.Errorf("assertions[%d]: version must be non-negative", index)
		}
	case AssertCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for count", index)
		}
	case AssertText:
		if a.Text == "" {
			return fmt.Errorf("assertions[%d]: text is required for text", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
