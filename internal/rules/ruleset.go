// Package rules implements the must / must_not / should record selector.
package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/numberforty/cc-codex-crawler/internal/model"
	"gopkg.in/yaml.v3"
)

// Kind is the comparison a matcher performs
type Kind int

const (
	KindExact Kind = iota
	KindPrefix
	KindContains
)

func (k Kind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindPrefix:
		return "prefix"
	case KindContains:
		return "contains"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses a match kind name
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "exact":
		return KindExact, nil
	case "prefix":
		return KindPrefix, nil
	case "contains":
		return KindContains, nil
	default:
		return 0, fmt.Errorf("unsupported match kind %q", s)
	}
}

// caseInsensitiveFields are compared without regard to case
var caseInsensitiveFields = map[string]bool{
	model.FieldMime:         true,
	model.FieldMimeDetected: true,
	"content-type":          true,
}

// Matcher tests one field value
type Matcher struct {
	Kind  Kind
	Value string
	fold  bool
}

// NewMatcher builds a matcher for the given field
func NewMatcher(field string, kind Kind, value string) Matcher {
	m := Matcher{Kind: kind, Value: value, fold: caseInsensitiveFields[field]}
	if m.fold {
		m.Value = strings.ToLower(value)
	}
	return m
}

// Match reports whether v satisfies the matcher
func (m Matcher) Match(v string) bool {
	if m.fold {
		v = strings.ToLower(v)
	}
	switch m.Kind {
	case KindPrefix:
		return strings.HasPrefix(v, m.Value)
	case KindContains:
		return strings.Contains(v, m.Value)
	default:
		return v == m.Value
	}
}

func (m Matcher) String() string {
	return fmt.Sprintf("%s:%q", m.Kind, m.Value)
}

// Rule is the ordered list of matchers for one field. It passes if any
// matcher matches the field value.
type Rule struct {
	Field    string
	Matchers []Matcher
}

// Match reports whether the record's field satisfies the rule.
// An absent field never matches.
func (r Rule) Match(rec Fields) bool {
	v, ok := rec.Field(r.Field)
	if !ok {
		return false
	}
	for _, m := range r.Matchers {
		if m.Match(v) {
			return true
		}
	}
	return false
}

// RuleSet is an immutable three-group boolean filter
type RuleSet struct {
	Must    []Rule
	MustNot []Rule
	Should  []Rule
}

// IsEmpty reports whether the rule set has no rules at all
func (rs *RuleSet) IsEmpty() bool {
	return rs == nil || (len(rs.Must) == 0 && len(rs.MustNot) == 0 && len(rs.Should) == 0)
}

// String renders the rule set compactly for logs
func (rs *RuleSet) String() string {
	if rs.IsEmpty() {
		return "match-all"
	}
	var parts []string
	for _, g := range []struct {
		name  Group
		rules []Rule
	}{{GroupMust, rs.Must}, {GroupMustNot, rs.MustNot}, {GroupShould, rs.Should}} {
		for _, r := range g.rules {
			ms := make([]string, len(r.Matchers))
			for i, m := range r.Matchers {
				ms[i] = m.String()
			}
			parts = append(parts, fmt.Sprintf("%s.%s[%s]", g.name, r.Field, strings.Join(ms, ",")))
		}
	}
	return strings.Join(parts, " ")
}

// condition is one entry of a rule set document
type condition struct {
	Match any    `json:"match"`
	Kind  string `json:"kind,omitempty"`
}

type document struct {
	Must    map[string][]condition `json:"must"`
	MustNot map[string][]condition `json:"must_not"`
	Should  map[string][]condition `json:"should"`
}

// Load reads a rule set document (JSON or YAML) from a file
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &model.RuleSetError{Message: fmt.Sprintf("read %s", path), Cause: err}
	}
	return Parse(data)
}

// Parse parses a rule set document. JSON is accepted as a subset of YAML.
func Parse(data []byte) (*RuleSet, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &model.RuleSetError{Message: "parse document", Cause: err}
	}
	return FromMap(raw)
}

// FromMap builds a rule set from a decoded document, such as the
// record_selector section of the run configuration. A nil map yields an
// empty rule set that includes every record.
func FromMap(raw map[string]any) (*RuleSet, error) {
	if raw == nil {
		return &RuleSet{}, nil
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, &model.RuleSetError{Message: "encode document", Cause: err}
	}
	if err := validateDocument(encoded); err != nil {
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil, &model.RuleSetError{Message: "decode document", Cause: err}
	}

	rs := &RuleSet{}
	if rs.Must, err = buildGroup(GroupMust, doc.Must); err != nil {
		return nil, err
	}
	if rs.MustNot, err = buildGroup(GroupMustNot, doc.MustNot); err != nil {
		return nil, err
	}
	if rs.Should, err = buildGroup(GroupShould, doc.Should); err != nil {
		return nil, err
	}
	return rs, nil
}

// buildGroup converts one group. Fields are sorted so evaluation order does
// not depend on map iteration.
func buildGroup(group Group, conds map[string][]condition) ([]Rule, error) {
	fields := make([]string, 0, len(conds))
	for f := range conds {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	rules := make([]Rule, 0, len(fields))
	for _, field := range fields {
		rule := Rule{Field: field}
		for _, c := range conds[field] {
			m, err := buildMatcher(field, c)
			if err != nil {
				return nil, &model.RuleSetError{Group: string(group), Field: field, Message: err.Error()}
			}
			rule.Matchers = append(rule.Matchers, m)
		}
		if len(rule.Matchers) == 0 {
			return nil, &model.RuleSetError{Group: string(group), Field: field, Message: "no match conditions"}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// buildMatcher applies the wildcard convention unless a kind is given:
// "audio/*" is a prefix match, "*mp4*" a contains match, anything else is
// literal equality.
func buildMatcher(field string, c condition) (Matcher, error) {
	value, err := matchValue(c.Match)
	if err != nil {
		return Matcher{}, err
	}

	if c.Kind != "" {
		kind, err := ParseKind(c.Kind)
		if err != nil {
			return Matcher{}, err
		}
		return NewMatcher(field, kind, value), nil
	}

	switch {
	case len(value) >= 2 && strings.HasPrefix(value, "*") && strings.HasSuffix(value, "*"):
		return NewMatcher(field, KindContains, value[1:len(value)-1]), nil
	case strings.HasPrefix(value, "*"):
		return Matcher{}, fmt.Errorf("suffix pattern %q is not supported; use kind contains", value)
	case strings.HasSuffix(value, "*"):
		return NewMatcher(field, KindPrefix, strings.TrimSuffix(value, "*")), nil
	default:
		return NewMatcher(field, KindExact, value), nil
	}
}

func matchValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case float64:
		return strconvFloat(x), nil
	case bool:
		if x {
			return "true", nil
		}
		return "false", nil
	default:
		return "", fmt.Errorf("match value %v has unsupported type %T", v, v)
	}
}

// strconvFloat renders JSON numbers the way CDX records spell them
func strconvFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
