// Package flow provides the intent normalizer that sits between the external
// classifier and the state controller.
package flow

import (
	"log/slog"
	"strings"

	"github.com/BookFlowHQ/BookFlow/internal/models"
)

// intentSynonyms rewrites surface-level phrasing variance onto the canonical
// vocabulary so the controller never sees raw classifier strings. Keys are
// canonicalized (lowercase, trimmed, punctuation stripped).
var intentSynonyms = map[string]models.IntentType{
	// start_booking
	"book":               models.IntentStartBooking,
	"book appointment":   models.IntentStartBooking,
	"make a booking":     models.IntentStartBooking,
	"start":              models.IntentStartBooking,
	"new booking":        models.IntentStartBooking,
	"schedule":           models.IntentStartBooking,

	// select_service
	"add service":    models.IntentSelectService,
	"choose service": models.IntentSelectService,
	"pick service":   models.IntentSelectService,

	// confirm_services
	"lets continue":    models.IntentConfirmServices,
	"thats all":        models.IntentConfirmServices,
	"done selecting":   models.IntentConfirmServices,
	"thats everything": models.IntentConfirmServices,

	// select_provider
	"choose provider": models.IntentSelectProvider,
	"pick provider":   models.IntentSelectProvider,

	// select_time_slot
	"choose time": models.IntentSelectTimeSlot,
	"pick time":   models.IntentSelectTimeSlot,

	// confirm_booking
	"okay":        models.IntentConfirmBooking,
	"ok":          models.IntentConfirmBooking,
	"sounds good": models.IntentConfirmBooking,
	"confirm":     models.IntentConfirmBooking,

	// cancel_booking
	"cancel":     models.IntentCancelBooking,
	"never mind": models.IntentCancelBooking,
	"nevermind":  models.IntentCancelBooking,
	"stop":       models.IntentCancelBooking,
	"forget it":  models.IntentCancelBooking,
}

// ambiguousAgreements are affirmations whose meaning depends on the current
// state: mid-selection they confirm the service list, at the final summary
// they confirm the booking.
var ambiguousAgreements = map[string]bool{
	"okay":        true,
	"ok":          true,
	"yes":         true,
	"yep":         true,
	"sure":        true,
	"sounds good": true,
	"looks good":  true,
	"thats all":   true,
}

// IntentNormalizer maps raw classifier output onto the closed intent
// vocabulary. Unknown or malformed output normalizes to the unrecognized
// sentinel; it never returns an error.
type IntentNormalizer struct{}

// NewIntentNormalizer creates an intent normalizer.
func NewIntentNormalizer() *IntentNormalizer {
	return &IntentNormalizer{}
}

// Normalize produces a validated Intent from raw classifier output, using the
// current state as a disambiguation hint for agreement phrases.
func (n *IntentNormalizer) Normalize(raw *models.RawClassification, state models.StateType) models.Intent {
	if raw == nil || strings.TrimSpace(raw.Intent) == "" {
		slog.Debug("IntentNormalizer.Normalize: empty classifier output", "state", state)
		return models.Intent{Type: models.IntentUnrecognized}
	}

	key := canonicalize(raw.Intent)
	intent := models.Intent{
		Entities:   raw.Entities,
		Confidence: raw.Confidence,
	}

	// State-dependent agreement phrases are resolved before the static table
	// so "okay" can confirm services mid-selection.
	if ambiguousAgreements[key] {
		switch state {
		case models.StateSelectingServices:
			intent.Type = models.IntentConfirmServices
		case models.StateAwaitingConfirmation:
			intent.Type = models.IntentConfirmBooking
		}
		if intent.Type != "" {
			slog.Debug("IntentNormalizer.Normalize: agreement disambiguated by state",
				"raw", raw.Intent, "state", state, "intent", intent.Type)
			return intent
		}
	}

	if candidate := models.IntentType(strings.ReplaceAll(key, " ", "_")); candidate.IsValid() {
		intent.Type = candidate
		return intent
	}

	if mapped, ok := intentSynonyms[key]; ok {
		intent.Type = mapped
		slog.Debug("IntentNormalizer.Normalize: synonym rewritten", "raw", raw.Intent, "intent", mapped)
		return intent
	}

	slog.Debug("IntentNormalizer.Normalize: unknown intent type", "raw", raw.Intent, "state", state)
	return models.Intent{Type: models.IntentUnrecognized, Confidence: raw.Confidence}
}

// canonicalize lowercases, trims, strips punctuation, and collapses
// underscores-vs-spaces so table lookups tolerate phrasing variance.
func canonicalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '_', r == '-':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
