// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

// Package guard implements the staged abuse filter that screens inbound
// queries for prompt-injection attempts and outbound model text for
// leakage. Stages run in order and short-circuit on first failure:
//
//  1. Structural validation (empty input, length ceiling, control chars)
//  2. Lexical screening (case-insensitive instruction-override blocklist)
//  3. Containment (explicit delimiter boundary, embedded delimiters escaped)
//  4. Output screening (leak patterns in accumulated model text)
//
// Stage 1-3 failures abort before any model call. Stage 4 matches
// substitute a refusal for the affected segment without aborting the
// in-flight stream.
package guard

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Containment delimiters. Stage 3 wraps screened input in this boundary
// and escapes any delimiter-like sequence already present so the model
// cannot be handed a forged boundary.
const (
	DelimiterOpen  = "<user-query>"
	DelimiterClose = "</user-query>"
)

// RefusalText replaces an output segment that failed screening.
const RefusalText = "I can't share that part of the response."

// Stage identifies which filter stage rejected the input.
type Stage int

const (
	StageStructural Stage = iota + 1
	StageLexical
	StageContainment
	StageOutput
)

// AbuseError indicates input rejected by the filter. The caller-facing
// message stays generic; Detail goes only to the audit log.
type AbuseError struct {
	Stage    Stage
	Pattern  string
	Category Category
	Detail   string
}

func (e *AbuseError) Error() string {
	return fmt.Sprintf("query rejected by abuse filter (stage %d)", e.Stage)
}

// OutputFinding describes a stage-4 match inside model output.
type OutputFinding struct {
	Pattern  string
	Category Category
	Severity int
}

// Filter is the staged abuse pipeline. Safe for concurrent use; the
// pattern tables are compiled once at construction.
type Filter struct {
	maxQueryLength int
	input          []*Pattern
	output         []*Pattern
}

// NewFilter creates a Filter with the built-in pattern tables.
// maxQueryLength is the input ceiling in runes.
func NewFilter(maxQueryLength int) *Filter {
	if maxQueryLength <= 0 {
		maxQueryLength = 10000
	}
	return &Filter{
		maxQueryLength: maxQueryLength,
		input:          inputPatterns(),
		output:         outputPatterns(),
	}
}

// ScreenInput runs stages 1-3 and returns the contained query ready for
// the model, or an AbuseError.
func (f *Filter) ScreenInput(query string) (string, error) {
	// Stage 1: structural validation.
	if err := f.validateStructure(query); err != nil {
		return "", err
	}

	// Stage 2: lexical screening.
	for _, p := range f.input {
		if loc := p.Regex.FindString(query); loc != "" {
			return "", &AbuseError{
				Stage:    StageLexical,
				Pattern:  p.Name,
				Category: p.Category,
				Detail:   fmt.Sprintf("matched %q", loc),
			}
		}
	}

	// Stage 3: containment.
	return f.contain(query), nil
}

// validateStructure is stage 1.
func (f *Filter) validateStructure(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return &AbuseError{Stage: StageStructural, Detail: "empty query"}
	}
	if !utf8.ValidString(query) {
		return &AbuseError{Stage: StageStructural, Detail: "invalid UTF-8"}
	}
	if n := utf8.RuneCountInString(query); n > f.maxQueryLength {
		return &AbuseError{
			Stage:  StageStructural,
			Detail: fmt.Sprintf("query length %d exceeds ceiling %d", n, f.maxQueryLength),
		}
	}
	for _, r := range query {
		// Newlines and tabs are legitimate in multi-line queries; all
		// other control characters are not.
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return &AbuseError{
				Stage:  StageStructural,
				Detail: fmt.Sprintf("disallowed control character U+%04X", r),
			}
		}
	}
	return nil
}

// contain is stage 3: wrap the query in the delimiter boundary after
// escaping anything that looks like the boundary itself.
func (f *Filter) contain(query string) string {
	escaped := escapeDelimiters(query)
	return DelimiterOpen + "\n" + escaped + "\n" + DelimiterClose
}

// escapeDelimiters neutralizes delimiter-like sequences by breaking the
// angle brackets so they no longer parse as the boundary.
func escapeDelimiters(s string) string {
	replacer := strings.NewReplacer(
		DelimiterOpen, "&lt;user-query&gt;",
		DelimiterClose, "&lt;/user-query&gt;",
	)
	return replacer.Replace(s)
}

// ScreenOutput is stage 4: scan a segment of accumulated model output.
// On a match it returns the generic refusal in place of the segment and
// the finding for the audit trail; the stream itself continues.
func (f *Filter) ScreenOutput(segment string) (string, *OutputFinding) {
	for _, p := range f.output {
		if p.Regex.MatchString(segment) {
			return RefusalText, &OutputFinding{
				Pattern:  p.Name,
				Category: p.Category,
				Severity: p.Severity,
			}
		}
	}
	return segment, nil
}
