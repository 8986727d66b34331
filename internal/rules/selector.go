package rules

import "fmt"

// Fields exposes named record fields. *model.Record satisfies it.
type Fields interface {
	Field(name string) (string, bool)
}

// MapFields adapts a plain map to Fields
type MapFields map[string]string

func (m MapFields) Field(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// Group names a rule group
type Group string

const (
	GroupNone    Group = ""
	GroupMust    Group = "must"
	GroupMustNot Group = "must_not"
	GroupShould  Group = "should"
)

// Decision is the outcome of evaluating one record. Group and Field name
// the rule that decided it. Field is empty when the must group admitted the
// record as a whole, or when no should rule matched; Group is empty only
// for a record admitted by an empty rule set.
type Decision struct {
	Included bool
	Group    Group
	Field    string
}

func (d Decision) String() string {
	switch {
	case d.Included && d.Group == GroupShould:
		return fmt.Sprintf("included by should.%s", d.Field)
	case d.Included && d.Group == GroupMust:
		return "included by must"
	case d.Included:
		return "included"
	case d.Group == GroupShould:
		return "excluded: no should rule matched"
	default:
		return fmt.Sprintf("excluded by %s.%s", d.Group, d.Field)
	}
}

// Evaluate decides whether a record is included. A nil rule set includes
// every record.
func Evaluate(rec Fields, rs *RuleSet) Decision {
	if rs == nil {
		return Decision{Included: true}
	}
	return rs.Evaluate(rec)
}

// Evaluate applies the groups in order: every must rule has to match, no
// must_not rule may match, and when should rules exist at least one has
// to match.
func (rs *RuleSet) Evaluate(rec Fields) Decision {
	for _, r := range rs.Must {
		if !r.Match(rec) {
			return Decision{Group: GroupMust, Field: r.Field}
		}
	}
	for _, r := range rs.MustNot {
		if r.Match(rec) {
			return Decision{Group: GroupMustNot, Field: r.Field}
		}
	}
	if len(rs.Should) == 0 {
		if len(rs.Must) > 0 {
			return Decision{Included: true, Group: GroupMust}
		}
		return Decision{Included: true}
	}
	for _, r := range rs.Should {
		if r.Match(rec) {
			return Decision{Included: true, Group: GroupShould, Field: r.Field}
		}
	}
	return Decision{Group: GroupShould}
}
