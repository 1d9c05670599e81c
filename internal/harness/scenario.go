package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/txexec/internal/engine"
	"github.com/roach88/txexec/internal/transport"
)

// Store backends a scenario can run against.
const (
	StoreFake   = "fake"
	StoreSQLite = "sqlite"
)

// ScriptHandler is the handler name whose behaviour a step scripts.
const ScriptHandler = "script"

// Scenario defines a conformance test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario. It prefixes correlation ids and
	// names the golden file.
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Store is "fake" (default) or "sqlite".
	Store string `yaml:"store,omitempty"`

	// Retries bounds conflict retries. Nil means 3.
	Retries *int `yaml:"retries,omitempty"`

	MinAuth              string   `yaml:"min_auth,omitempty"`
	PublicErrorKinds     []string `yaml:"public_error_kinds,omitempty"`
	SuppressedErrorKinds []string `yaml:"suppressed_error_kinds,omitempty"`
	MemoryThreshold      int64    `yaml:"memory_threshold,omitempty"`
	MaxContentSize       int64    `yaml:"max_content_size,omitempty"`
	PreserveHeaders      string   `yaml:"preserve_headers,omitempty"`

	// Identities maps bearer tokens to the identity they authenticate as.
	Identities map[string]Identity `yaml:"identities,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Identity is an authenticated identity.
type Identity struct {
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// Step is one call through the container.
type Step struct {
	Name   string            `yaml:"name"`
	Route  transport.Route   `yaml:"route"`
	Token  string            `yaml:"token,omitempty"`
	Body   string            `yaml:"body,omitempty"`
	Params map[string]string `yaml:"params,omitempty"`

	// FailBegin and FailCommit queue failures on the fake manager, one per
	// Begin or Commit call of the step, in order. Authentication begins a
	// readonly transaction first, so it takes the first FailBegin entry on
	// routes that authenticate. "ok" lets a call through.
	FailBegin  []string `yaml:"fail_begin,omitempty"`
	FailCommit []string `yaml:"fail_commit,omitempty"`

	// Script drives the "script" handler: attempt n follows Script[n-1], and
	// the last entry repeats.
	Script []Action `yaml:"script,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Action is what the script handler does on one attempt.
type Action struct {
	Header map[string]string `yaml:"header,omitempty"`
	Code   int               `yaml:"code,omitempty"`
	// Echo copies the request body to the response before Write.
	Echo  bool   `yaml:"echo,omitempty"`
	Write string `yaml:"write,omitempty"`
	// Fail names a failure (see failure) returned after writing.
	Fail string `yaml:"fail,omitempty"`
}

// Expect is checked against a step's result. Zero fields are not checked.
type Expect struct {
	Status       string            `yaml:"status"`
	Code         int               `yaml:"code,omitempty"`
	Kind         string            `yaml:"kind,omitempty"`
	Message      string            `yaml:"message,omitempty"`
	Body         *string           `yaml:"body,omitempty"`
	Attempts     int               `yaml:"attempts,omitempty"`
	HeaderWrites *int              `yaml:"header_writes,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
}

// Assertion validates the whole run.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Key and Value are used by kv_value and kv_absent.
	Key   string `yaml:"key,omitempty"`
	Value string `yaml:"value,omitempty"`

	// Disposition and Count are used by disposition_count.
	Disposition string `yaml:"disposition,omitempty"`
	Count       int    `yaml:"count"`
}

// Assertion type constants.
const (
	AssertKVValue          = "kv_value"
	AssertKVAbsent         = "kv_absent"
	AssertDispositionCount = "disposition_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches typos like "assertion:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
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
	switch s.Store {
	case "", StoreFake, StoreSQLite:
	default:
		return fmt.Errorf("unknown store %q", s.Store)
	}
	if s.Retries != nil && *s.Retries < 0 {
		return fmt.Errorf("retries must be non-negative")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	seen := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(s, step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		if seen[step.Name] {
			return fmt.Errorf("steps[%d]: duplicate name %q", i, step.Name)
		}
		seen[step.Name] = true
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(s, a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(s *Scenario, step Step) error {
	if step.Name == "" {
		return fmt.Errorf("name is required")
	}
	if step.Route.Handler == "" {
		return fmt.Errorf("route.handler is required")
	}
	if _, err := step.Route.Request(); err != nil {
		return err
	}

	if step.Route.Handler == ScriptHandler {
		if len(step.Script) == 0 {
			return fmt.Errorf("the script handler needs a script")
		}
	} else if len(step.Script) > 0 {
		return fmt.Errorf("script is only read by the %q handler", ScriptHandler)
	}
	if strings.HasPrefix(step.Route.Handler, "kv.") && s.Store != StoreSQLite {
		return fmt.Errorf("%s needs store: sqlite", step.Route.Handler)
	}
	if s.Store == StoreSQLite && (len(step.FailBegin) > 0 || len(step.FailCommit) > 0) {
		return fmt.Errorf("fail_begin and fail_commit need the fake store")
	}

	for _, name := range step.FailBegin {
		if _, ok := failure(name); !ok || name == "panic" {
			return fmt.Errorf("fail_begin: unusable failure %q", name)
		}
	}
	for _, name := range step.FailCommit {
		if _, ok := failure(name); !ok || name == "panic" {
			return fmt.Errorf("fail_commit: unusable failure %q", name)
		}
	}
	for _, a := range step.Script {
		if a.Fail == "" {
			continue
		}
		if _, ok := failure(a.Fail); !ok {
			return fmt.Errorf("script: unknown failure %q", a.Fail)
		}
	}

	if step.Expect != nil {
		if step.Expect.Status == "" {
			return fmt.Errorf("expect.status is required")
		}
		if step.Expect.Kind != "" {
			if _, err := engine.ParseKind(step.Expect.Kind); err != nil {
				return fmt.Errorf("expect.kind: %w", err)
			}
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(s *Scenario, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("type is required")
	case AssertKVValue, AssertKVAbsent:
		if s.Store != StoreSQLite {
			return fmt.Errorf("%s needs store: sqlite", a.Type)
		}
		if a.Key == "" {
			return fmt.Errorf("key is required for %s", a.Type)
		}
	case AssertDispositionCount:
		if a.Disposition == "" {
			return fmt.Errorf("disposition is required for %s", a.Type)
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for %s", a.Type)
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
