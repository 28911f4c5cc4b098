package conversation

import (
	"errors"
	"fmt"
	"strings"
)

// QuestionType classifies a catalog question.
type QuestionType string

const (
	// OpenEnded questions accept free text.
	OpenEnded QuestionType = "open_ended"
	// Boolean questions expect a yes/no answer.
	Boolean QuestionType = "boolean"
	// Conditional questions are asked only when the previous reply matches the
	// engine's [TriggerRule]; otherwise they are skipped silently.
	Conditional QuestionType = "conditional"
)

// IsValid reports whether t is a known question type.
func (t QuestionType) IsValid() bool {
	switch t {
	case OpenEnded, Boolean, Conditional:
		return true
	}
	return false
}

// Question is one immutable catalog entry.
type Question struct {
	ID       string       `json:"id" yaml:"id"`
	Prompt   string       `json:"prompt" yaml:"prompt"`
	Type     QuestionType `json:"type" yaml:"type"`
	Required bool         `json:"required" yaml:"required"`
}

// Catalog is the fixed, ordered list of questions of the safety protocol.
// Its length is the protocol's step bound.
type Catalog []Question

// DefaultCatalog returns the standard safety check.
func DefaultCatalog() Catalog {
	return Catalog{
		{ID: "task_identification", Prompt: "What task are you performing?", Type: OpenEnded, Required: true},
		{ID: "safety_confirmation", Prompt: "Are safety protocols confirmed?", Type: Boolean, Required: true},
		{ID: "tool_requirements", Prompt: "Do you require tool access?", Type: Conditional, Required: false},
	}
}

// Validate checks that the catalog is non-empty and every question has a
// unique id, a prompt and a known type.
func (c Catalog) Validate() error {
	if len(c) == 0 {
		return errors.New("conversation: catalog is empty")
	}
	var errs []error
	seen := make(map[string]bool, len(c))
	for i, q := range c {
		switch {
		case strings.TrimSpace(q.ID) == "":
			errs = append(errs, fmt.Errorf("question %d: id must not be empty", i))
		case seen[q.ID]:
			errs = append(errs, fmt.Errorf("question %d: duplicate id %q", i, q.ID))
		}
		seen[q.ID] = true
		if strings.TrimSpace(q.Prompt) == "" {
			errs = append(errs, fmt.Errorf("question %q: prompt must not be empty", q.ID))
		}
		if !q.Type.IsValid() {
			errs = append(errs, fmt.Errorf("question %q: unknown type %q", q.ID, q.Type))
		}
	}
	return errors.Join(errs...)
}

// Index returns the position of the question with id, or -1.
func (c Catalog) Index(id string) int {
	for i, q := range c {
		if q.ID == id {
			return i
		}
	}
	return -1
}

// DefaultTriggerWords are the reply words that make a conditional question
// relevant.
var DefaultTriggerWords = []string{"maintenance", "tool"}

// TriggerRule decides whether a conditional question applies, by
// case-insensitive containment of any trigger word in the previous reply.
type TriggerRule struct {
	words []string
}

// NewTriggerRule returns a rule matching any of words. Empty words are
// ignored; a rule without words never matches.
func NewTriggerRule(words ...string) TriggerRule {
	r := TriggerRule{}
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			r.words = append(r.words, w)
		}
	}
	return r
}

// Match reports whether reply contains a trigger word.
func (r TriggerRule) Match(reply string) bool {
	reply = strings.ToLower(reply)
	for _, w := range r.words {
		if strings.Contains(reply, w) {
			return true
		}
	}
	return false
}

// Words returns the normalised trigger words.
func (r TriggerRule) Words() []string { return append([]string(nil), r.words...) }
