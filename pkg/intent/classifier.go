// Package intent turns raw message text into a named intent with extracted
// arguments. Classification is a pure function of the text, the presence of an
// attachment and a static rule table.
package intent

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Unrecognized is the Name of the result returned when no rule matches.
const Unrecognized = "unrecognized"

// Cancel is the intent that asks the orchestrator to cancel in-flight work.
const Cancel = "cancel"

// Intent is the classification result for one inbound message.
type Intent struct {
	Name               string            `json:"name"`
	RuleID             string            `json:"rule_id,omitempty"`
	RequiresAttachment bool              `json:"requires_attachment"`
	Args               map[string]string `json:"args,omitempty"`
}

// Recognized reports whether a rule matched.
func (i Intent) Recognized() bool { return i.Name != "" && i.Name != Unrecognized }

// Rule is one entry of the classification table.
//
// A rule matches when any of its Keywords appears in the message as a whole
// phrase (case and whitespace insensitive) or when Pattern matches. Named
// groups of Pattern become Args; Extract may post-process them.
type Rule struct {
	ID                 string   `json:"id" yaml:"id"`
	Intent             string   `json:"intent" yaml:"intent"`
	Priority           int      `json:"priority" yaml:"priority"`
	Keywords           []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Pattern            string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	RequiresAttachment bool     `json:"requires_attachment" yaml:"requires_attachment"`

	Extract func(args map[string]string) map[string]string `json:"-" yaml:"-"`
}

type compiledRule struct {
	Rule
	keywords []string
	re       *regexp.Regexp
}

// Classifier evaluates rules by descending priority; rules with equal
// priority keep their declaration order.
type Classifier struct {
	rules []compiledRule
}

// New validates and orders rules.
func New(rules []Rule) (*Classifier, error) {
	seen := make(map[string]bool, len(rules))
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.ID == "" || r.Intent == "" {
			return nil, fmt.Errorf("rule %q: id and intent are required", r.ID)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rule %q: duplicate id", r.ID)
		}
		seen[r.ID] = true
		if len(r.Keywords) == 0 && r.Pattern == "" {
			return nil, fmt.Errorf("rule %q: needs keywords or a pattern", r.ID)
		}

		cr := compiledRule{Rule: r}
		for _, kw := range r.Keywords {
			if k := normalizeKeywords(kw); k != "" {
				cr.keywords = append(cr.keywords, k)
			}
		}
		if r.Pattern != "" {
			re, err := regexp.Compile("(?i)" + r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", r.ID, err)
			}
			cr.re = re
		}
		compiled = append(compiled, cr)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority > compiled[j].Priority
	})
	return &Classifier{rules: compiled}, nil
}

// MustNew is New that panics on an invalid table.
func MustNew(rules []Rule) *Classifier {
	c, err := New(rules)
	if err != nil {
		panic(err)
	}
	return c
}

// Default returns a classifier over DefaultRules.
func Default() *Classifier {
	return MustNew(DefaultRules())
}

// Classify returns the first matching rule's intent, or Unrecognized.
func (c *Classifier) Classify(rawText string, hasAttachment bool) Intent {
	text := collapseSpace(rawText)
	phrase := " " + normalizeKeywords(rawText) + " "

	for _, r := range c.rules {
		if r.RequiresAttachment && !hasAttachment {
			continue
		}

		var args map[string]string
		matched := false
		if r.re != nil {
			if m := r.re.FindStringSubmatch(text); m != nil {
				matched = true
				args = namedGroups(r.re, m)
			}
		}
		if !matched {
			for _, kw := range r.keywords {
				if strings.Contains(phrase, " "+kw+" ") {
					matched = true
					break
				}
			}
		}
		if !matched {
			continue
		}

		if r.Extract != nil {
			if args == nil {
				args = map[string]string{}
			}
			args = r.Extract(args)
		}
		if len(args) == 0 {
			args = nil
		}
		return Intent{
			Name:               r.Intent,
			RuleID:             r.ID,
			RequiresAttachment: r.RequiresAttachment,
			Args:               args,
		}
	}
	return Intent{Name: Unrecognized}
}

// Rules returns the effective table in evaluation order.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	for i, r := range c.rules {
		out[i] = r.Rule
	}
	return out
}

func namedGroups(re *regexp.Regexp, m []string) map[string]string {
	args := map[string]string{}
	for i, name := range re.SubexpNames() {
		if name == "" || i >= len(m) {
			continue
		}
		if v := strings.TrimSpace(m[i]); v != "" {
			args[name] = v
		}
	}
	return args
}

// collapseSpace trims and collapses runs of whitespace, keeping case.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalizeKeywords lowercases, turns punctuation into spaces and collapses
// whitespace. Apostrophes are kept so "what's" stays one word.
func normalizeKeywords(s string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '\'':
			return unicode.ToLower(r)
		default:
			return ' '
		}
	}, s)
	return collapseSpace(mapped)
}
