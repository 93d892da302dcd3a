package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"mercator-hq/warden/pkg/limits/storage"
)

// Rule is one declarative limit.
type Rule struct {
	// Name identifies the rule in logs and errors.
	Name string `yaml:"name"`

	// KeyType selects the caller identity the limit applies to.
	KeyType storage.KeyType `yaml:"key_type"`

	// Endpoint is a path prefix the rule applies to. Empty matches every path.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Methods restricts the rule to these HTTP methods. Empty matches all.
	Methods []string `yaml:"methods,omitempty"`

	// Limit is the maximum weighted load per window.
	Limit int `yaml:"limit"`

	// Window is the sliding window duration.
	Window time.Duration `yaml:"window"`

	// Weight is the cost of one matching request. 0 means 1.
	Weight float64 `yaml:"weight,omitempty"`
}

// Matches reports whether the rule applies to a request.
func (r Rule) Matches(method, path string) bool {
	if len(r.Methods) > 0 {
		ok := false
		for _, m := range r.Methods {
			if strings.EqualFold(m, method) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return matchPrefix(r.Endpoint, path)
}

// Scope is the endpoint that ip, user and api_key buckets of this rule are
// keyed on: the rule's prefix, or every endpoint when it has none. Endpoint
// rules key on the request path instead.
func (r Rule) Scope() storage.Endpoint {
	prefix := strings.TrimSuffix(r.Endpoint, "/")
	if prefix == "" {
		return storage.AnyEndpoint()
	}
	return storage.ForEndpoint(prefix)
}

// sharesBucket reports whether a and b could write the same record for one
// caller.
func sharesBucket(a, b Rule) bool {
	if a.KeyType != b.KeyType {
		return false
	}
	if a.KeyType == storage.KeyTypeEndpoint {
		return matchPrefix(a.Endpoint, b.Endpoint) || matchPrefix(b.Endpoint, a.Endpoint)
	}
	return a.Scope() == b.Scope()
}

// matchPrefix matches path against prefix on segment boundaries, so
// "/v1/chat" matches "/v1/chat/x" but not "/v1/chatty".
func matchPrefix(prefix, path string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// Set is an ordered, validated collection of rules.
type Set struct {
	Rules []Rule `yaml:"rules"`
}

// Match returns the rules that apply to a request, in file order.
func (s *Set) Match(method, path string) []Rule {
	if s == nil {
		return nil
	}
	var out []Rule
	for _, r := range s.Rules {
		if r.Matches(method, path) {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of rules.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Rules)
}

// FieldError is a validation error for one field of one rule.
type FieldError struct {
	// Rule is the rule's name, or its position when unnamed.
	Rule string

	// Field is the YAML field name.
	Field string

	// Message is a human-readable error message.
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("rule %s: %s: %s", e.Rule, e.Field, e.Message)
}

// ValidationError collects every invalid field in a rules file.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid rules: " + e.Errors[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "invalid rules: %d errors:", len(e.Errors))
	for _, fe := range e.Errors {
		sb.WriteString("\n  - ")
		sb.WriteString(fe.Error())
	}
	return sb.String()
}

// Validate checks every rule and returns a ValidationError listing all problems.
func (s *Set) Validate() error {
	var errs []FieldError
	seen := make(map[string]bool)

	for i, r := range s.Rules {
		id := r.Name
		if id == "" {
			id = fmt.Sprintf("#%d", i+1)
			errs = append(errs, FieldError{Rule: id, Field: "name", Message: "must not be empty"})
		} else if seen[r.Name] {
			errs = append(errs, FieldError{Rule: id, Field: "name", Message: "duplicate rule name"})
		}
		seen[r.Name] = true

		if !r.KeyType.Valid() {
			errs = append(errs, FieldError{Rule: id, Field: "key_type", Message: fmt.Sprintf("unknown key type %q", r.KeyType)})
		}
		if r.Limit <= 0 {
			errs = append(errs, FieldError{Rule: id, Field: "limit", Message: "must be positive"})
		}
		if r.Window <= 0 {
			errs = append(errs, FieldError{Rule: id, Field: "window", Message: "must be positive"})
		}
		if r.Weight < 0 {
			errs = append(errs, FieldError{Rule: id, Field: "weight", Message: "must not be negative"})
		}
		if r.Endpoint != "" && !strings.HasPrefix(r.Endpoint, "/") {
			errs = append(errs, FieldError{Rule: id, Field: "endpoint", Message: "must start with /"})
		}

		// Each rule owns its records; two rules on one record would mix
		// their windows and share blocks.
		if r.KeyType.Valid() {
			for _, prev := range s.Rules[:i] {
				if sharesBucket(prev, r) {
					errs = append(errs, FieldError{
						Rule:    id,
						Field:   "endpoint",
						Message: fmt.Sprintf("shares %s buckets with rule %q; use a different key_type or a disjoint endpoint", r.KeyType, prev.Name),
					})
					break
				}
			}
		}
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

// Parse decodes and validates a rules document. Unknown fields are rejected.
func Parse(data []byte) (*Set, error) {
	var set Set
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&set); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return &set, nil
}

// Load reads and parses the rules file at path.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %q: %w", path, err)
	}
	set, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("rules file %q: %w", path, err)
	}
	return set, nil
}

// Holder publishes the current rule set to concurrent readers.
type Holder struct {
	current atomic.Pointer[Set]
}

// NewHolder creates a holder with an initial set.
func NewHolder(initial *Set) *Holder {
	h := &Holder{}
	if initial == nil {
		initial = &Set{}
	}
	h.current.Store(initial)
	return h
}

// Load returns the current set.
func (h *Holder) Load() *Set {
	return h.current.Load()
}

// Store replaces the current set.
func (h *Holder) Store(s *Set) {
	if s == nil {
		s = &Set{}
	}
	h.current.Store(s)
}

// ReloadFrom loads path and swaps it in. On error the previous set is kept.
func (h *Holder) ReloadFrom(path string) error {
	set, err := Load(path)
	if err != nil {
		return err
	}
	h.Store(set)
	return nil
}
