// Package moderation screens room chat. It never blocks a line on the
// wire; the room's social contract is enforced by gagging, and the
// filter's job is to notice the chatters worth gagging: advertisers,
// flooders, and anyone working from the prohibited-terms list.
package moderation

import "strings"

// Result is the outcome of screening one chat line.
type Result struct {
	Flagged bool
	Reason  string // "term" or "spam_pattern"
	Term    string // the matched term or pattern name
}

// Filter screens chat text against a prohibited-terms list and the
// built-in spam patterns. It holds no mutable state and is safe to
// share.
type Filter struct {
	terms []string // lowercase
}

// NewFilter builds a filter over the given prohibited terms. Terms
// match case-insensitively as substrings of the text.
func NewFilter(terms []string) *Filter {
	f := &Filter{}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			f.terms = append(f.terms, t)
		}
	}
	return f
}

// Check screens one chat line.
func (f *Filter) Check(text string) Result {
	lower := strings.ToLower(text)
	for _, t := range f.terms {
		if strings.Contains(lower, t) {
			return Result{Flagged: true, Reason: "term", Term: t}
		}
	}
	return checkSpamPatterns(text)
}
