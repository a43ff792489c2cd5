// Copyright 2025 Tamshai
// SPDX-License-Identifier: BUSL-1.1

package guard

import (
	"regexp"
)

// Pattern represents one prompt-abuse detection pattern.
type Pattern struct {
	// Name is a human-readable identifier for the pattern.
	Name string

	// Category classifies what the pattern detects.
	Category Category

	// Regex is the compiled regular expression. All patterns are
	// case-insensitive.
	Regex *regexp.Regexp

	// Severity indicates the risk level (1-10).
	Severity int
}

// Category classifies the type of abuse detected.
type Category string

const (
	// CategoryInstructionOverride covers attempts to displace the
	// system prompt ("ignore previous instructions").
	CategoryInstructionOverride Category = "instruction_override"

	// CategoryRoleHijack covers attempts to reassign the model's role.
	CategoryRoleHijack Category = "role_hijack"

	// CategoryDelimiterForgery covers attempts to fake the containment
	// boundary around user input.
	CategoryDelimiterForgery Category = "delimiter_forgery"

	// CategoryInstructionLeak covers model output that echoes internal
	// instructions back to the caller.
	CategoryInstructionLeak Category = "instruction_leak"

	// CategoryDataAssertion covers model output claiming access to data
	// the caller was never served.
	CategoryDataAssertion Category = "unauthorized_data_assertion"
)

// inputPatterns screens inbound queries. The blocklist is deliberately
// broad: false positives are tolerated over false negatives.
func inputPatterns() []*Pattern {
	return []*Pattern{
		{
			Name:     "ignore_previous",
			Category: CategoryInstructionOverride,
			Regex:    regexp.MustCompile(`(?i)\bignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|directives?)\b`),
			Severity: 9,
		},
		{
			Name:     "disregard_system",
			Category: CategoryInstructionOverride,
			Regex:    regexp.MustCompile(`(?i)\bdisregard\s+(the\s+)?(system\s+prompt|your\s+instructions?|all\s+rules?)\b`),
			Severity: 9,
		},
		{
			Name:     "forget_instructions",
			Category: CategoryInstructionOverride,
			Regex:    regexp.MustCompile(`(?i)\bforget\s+(everything|all|your)\s+(you\s+were\s+told|instructions?|training)\b`),
			Severity: 8,
		},
		{
			Name:     "new_instructions",
			Category: CategoryInstructionOverride,
			Regex:    regexp.MustCompile(`(?i)\b(your|the)\s+new\s+instructions?\s+(are|is)\b`),
			Severity: 8,
		},
		{
			Name:     "override_instructions",
			Category: CategoryInstructionOverride,
			Regex:    regexp.MustCompile(`(?i)\boverride\s+(all\s+)?(safety|security|previous)\s+(instructions?|checks?|rules?)\b`),
			Severity: 9,
		},
		{
			Name:     "reveal_instructions",
			Category: CategoryInstructionLeak,
			Regex:    regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|output)\s+(your|the)\s+(system\s+prompt|instructions?|hidden\s+rules?|admin\s+secrets?)\b`),
			Severity: 9,
		},
		{
			Name:     "you_are_now",
			Category: CategoryRoleHijack,
			Regex:    regexp.MustCompile(`(?i)\byou\s+are\s+(now|no\s+longer)\s+(a|an|the|bound)\b`),
			Severity: 7,
		},
		{
			Name:     "act_as_admin",
			Category: CategoryRoleHijack,
			Regex:    regexp.MustCompile(`(?i)\b(act|behave|respond)\s+as\s+(an?\s+)?(admin(istrator)?|root|superuser|developer\s+mode)\b`),
			Severity: 8,
		},
		{
			Name:     "fake_delimiter",
			Category: CategoryDelimiterForgery,
			Regex:    regexp.MustCompile(`(?i)</?\s*(user-query|system|assistant)\s*>`),
			Severity: 8,
		},
	}
}

// outputPatterns screens accumulated model output for leakage. A match
// substitutes a refusal for the affected segment; it never aborts an
// in-flight stream.
func outputPatterns() []*Pattern {
	return []*Pattern{
		{
			Name:     "system_prompt_echo",
			Category: CategoryInstructionLeak,
			Regex:    regexp.MustCompile(`(?i)\bmy\s+(system\s+prompt|internal\s+instructions?)\s+(is|are|says?)\b`),
			Severity: 9,
		},
		{
			Name:     "instruction_disclosure",
			Category: CategoryInstructionLeak,
			Regex:    regexp.MustCompile(`(?i)\bi\s+(was|am)\s+(told|instructed|programmed)\s+to\s+(hide|never\s+reveal|conceal)\b`),
			Severity: 8,
		},
		{
			Name:     "bypassed_authorization",
			Category: CategoryDataAssertion,
			Regex:    regexp.MustCompile(`(?i)\b(bypass(ed|ing)?|circumvent(ed|ing)?)\s+(the\s+)?(role|permission|authorization)\s+(checks?|restrictions?)\b`),
			Severity: 9,
		},
		{
			Name:     "unauthorized_access_claim",
			Category: CategoryDataAssertion,
			Regex:    regexp.MustCompile(`(?i)\bi\s+(accessed|retrieved|found)\s+(restricted|confidential|unauthorized)\s+(data|records?|information)\b`),
			Severity: 8,
		},
	}
}
