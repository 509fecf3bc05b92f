// Package moderation screens request text before any tokens are spent.
package moderation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/zen-systems/pixelgate/pkg/config"
)

// Rule names the check that rejected a request.
type Rule string

const (
	RuleBlockedTerm   Rule = "blocked_term"
	RulePromptLength  Rule = "prompt_length"
	RuleCaptionLength Rule = "caption_length"
)

// Result is the outcome of a moderation check.
type Result struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Rule    Rule   `json:"rule,omitempty"`
	Term    string `json:"term,omitempty"`
}

// Moderator is a pure blocked-term and length checker.
type Moderator struct {
	terms            []compiledTerm
	maxPromptLength  int
	maxCaptionLength int
}

type compiledTerm struct {
	term    string
	pattern *regexp.Regexp
}

// New compiles the configured term list, preserving its order. Terms match
// whole words only, so inflected forms must be listed separately.
func New(cfg config.ModerationConfig) *Moderator {
	m := &Moderator{
		maxPromptLength:  cfg.MaxPromptLength,
		maxCaptionLength: cfg.MaxCaptionLength,
	}
	for _, term := range cfg.BlockedTerms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		// Multi-word terms match across any run of whitespace.
		words := strings.Fields(term)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		m.terms = append(m.terms, compiledTerm{
			term:    strings.ToLower(term),
			pattern: regexp.MustCompile(`(?i)(^|[^\pL\pN])` + strings.Join(words, `\s+`) + `($|[^\pL\pN])`),
		})
	}
	return m
}

// Moderate checks prompt and caption. Blocked terms are checked first; the
// first matching term in configured order is reported.
func (m *Moderator) Moderate(prompt, caption string) Result {
	text := prompt + " " + caption
	for _, t := range m.terms {
		if t.pattern.MatchString(text) {
			return Result{
				Reason: fmt.Sprintf("content contains blocked term %q", t.term),
				Rule:   RuleBlockedTerm,
				Term:   t.term,
			}
		}
	}

	if m.maxPromptLength > 0 && utf8.RuneCountInString(prompt) > m.maxPromptLength {
		return Result{
			Reason: fmt.Sprintf("prompt exceeds %d characters", m.maxPromptLength),
			Rule:   RulePromptLength,
		}
	}
	if m.maxCaptionLength > 0 && utf8.RuneCountInString(caption) > m.maxCaptionLength {
		return Result{
			Reason: fmt.Sprintf("caption exceeds %d characters", m.maxCaptionLength),
			Rule:   RuleCaptionLength,
		}
	}

	return Result{Allowed: true}
}
