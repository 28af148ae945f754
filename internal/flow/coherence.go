// Package flow provides the output coherence checker that validates generated
// text against the current booking state.
package flow

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/BookFlowHQ/BookFlow/internal/models"
)

// Forbidden content category names.
const (
	CategoryProviderMention     = "provider_mention"
	CategoryTimeMention         = "time_mention"
	CategoryWeekdayMention      = "weekday_mention"
	CategoryConfirmationMention = "confirmation_language"
	CategoryPaymentMention      = "payment_language"
)

// contentCategory is one detectable class of state-violating content. All
// patterns are precompiled; validation performs no network or disk access.
type contentCategory struct {
	name        string
	description string
	patterns    []*regexp.Regexp
}

var contentCategories = map[string]contentCategory{
	CategoryProviderMention: {
		name:        CategoryProviderMention,
		description: "names a specific provider",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bdr\.?\s+\p{L}+`),
			regexp.MustCompile(`(?i)\b(?:doctor|therapist|stylist|technician|specialist)\s+\p{L}+`),
			regexp.MustCompile(`(?i)\bprovider\s+"?[A-Za-z0-9]+`),
			regexp.MustCompile(`\bP\d+\b`),
		},
	},
	CategoryTimeMention: {
		name:        CategoryTimeMention,
		description: "mentions a specific time",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b([01]?\d|2[0-3]):[0-5]\d\b`),
			regexp.MustCompile(`(?i)\b\d{1,2}\s?(?:am|pm)\b`),
		},
	},
	CategoryWeekdayMention: {
		name:        CategoryWeekdayMention,
		description: "mentions a specific day",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(?:monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`),
		},
	},
	CategoryConfirmationMention: {
		name:        CategoryConfirmationMention,
		description: "announces a confirmed booking",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(?:booking|appointment)\s+(?:is\s+|has\s+been\s+)?(?:confirmed|booked|scheduled|finalized)\b`),
			regexp.MustCompile(`(?i)\byou(?:'re| are)\s+all\s+set\b`),
			regexp.MustCompile(`(?i)\bconfirmation\s+(?:number|code)\b`),
		},
	},
	CategoryPaymentMention: {
		name:        CategoryPaymentMention,
		description: "discusses payment",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bpayment\s+link\b`),
			regexp.MustCompile(`(?i)\bpay\s+(?:now|here|online)\b`),
			regexp.MustCompile(`(?i)\binvoice\b`),
		},
	},
}

// stateForbiddenCategories maps each state to the content categories that
// would only be true in a later state. The completed state forbids nothing:
// the completion reply legitimately announces the confirmed booking.
var stateForbiddenCategories = map[models.StateType][]string{
	models.StateIdle: {
		CategoryProviderMention, CategoryTimeMention, CategoryWeekdayMention,
		CategoryConfirmationMention, CategoryPaymentMention,
	},
	models.StateSelectingServices: {
		CategoryProviderMention, CategoryTimeMention, CategoryWeekdayMention,
		CategoryConfirmationMention, CategoryPaymentMention,
	},
	models.StateSelectingProvider: {
		CategoryTimeMention, CategoryWeekdayMention,
		CategoryConfirmationMention, CategoryPaymentMention,
	},
	models.StateSelectingTime: {
		CategoryConfirmationMention, CategoryPaymentMention,
	},
	models.StateCollectingContact: {
		CategoryConfirmationMention, CategoryPaymentMention,
	},
	models.StateAwaitingConfirmation: {
		CategoryConfirmationMention, CategoryPaymentMention,
	},
	models.StateCompleted: {},
}

// fallbackReplies are the fixed, state-safe holding messages substituted when
// regeneration is exhausted or generation fails outright.
var fallbackReplies = map[models.StateType]string{
	models.StateIdle:                 "I can help you book an appointment. What would you like to do?",
	models.StateSelectingServices:    "Let me check that for you. Which services would you like to book?",
	models.StateSelectingProvider:    "Let me check that for you. I'll help you pick a provider next.",
	models.StateSelectingTime:        "Let me check that for you. I'll help you pick a time next.",
	models.StateCollectingContact:    "Let me check that for you. Could you share your contact details?",
	models.StateAwaitingConfirmation: "Let me check that for you. I'll summarize your booking in a moment.",
	models.StateCompleted:            "Your booking is all taken care of. Is there anything else I can help with?",
}

const genericFallbackReply = "Let me check that for you - one moment."

// CoherenceChecker detects generated text that leaks information about
// booking steps that have not yet occurred.
type CoherenceChecker struct{}

// NewCoherenceChecker creates a coherence checker.
func NewCoherenceChecker() *CoherenceChecker {
	return &CoherenceChecker{}
}

// Validate scans text against the current state's forbidden categories and
// returns one violation per matched category plus a correction directive for
// a regeneration attempt.
func (c *CoherenceChecker) Validate(conversationID, text string, state models.StateType) models.CoherenceResult {
	start := time.Now()

	var violations []models.CoherenceViolation
	for _, name := range stateForbiddenCategories[state] {
		category := contentCategories[name]
		for _, pattern := range category.patterns {
			if pattern.MatchString(text) {
				violations = append(violations, models.CoherenceViolation{
					Category:    category.name,
					Description: category.description,
				})
				break
			}
		}
	}

	result := models.CoherenceResult{
		Coherent:   len(violations) == 0,
		Violations: violations,
		Confidence: 1.0,
	}
	if !result.Coherent {
		result.Correction = correctionDirective(state, violations)
	}

	elapsed := time.Since(start)
	slog.Info("CoherenceChecker.Validate: validated reply",
		"conversationID", conversationID,
		"state", state,
		"text", truncateForLog(text),
		"coherent", result.Coherent,
		"violations", categoryNames(violations),
		"elapsed", elapsed)

	return result
}

// FallbackReply returns the fixed state-appropriate holding message.
func (c *CoherenceChecker) FallbackReply(state models.StateType) string {
	if reply, ok := fallbackReplies[state]; ok {
		return reply
	}
	return genericFallbackReply
}

// correctionDirective summarizes which categories must be avoided and why,
// referencing the current state name for the regeneration attempt.
func correctionDirective(state models.StateType, violations []models.CoherenceViolation) string {
	directive := fmt.Sprintf("The conversation is still in the %s step.", state)
	for _, v := range violations {
		directive += fmt.Sprintf(" Do not include content that %s; that belongs to a later step.", v.Description)
	}
	return directive
}

func categoryNames(violations []models.CoherenceViolation) []string {
	names := make([]string, len(violations))
	for i, v := range violations {
		names[i] = v.Category
	}
	return names
}
