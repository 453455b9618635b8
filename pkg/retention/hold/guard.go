// Package hold implements the authoritative legal hold check consulted
// before any disposal action.
package hold

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mercator-hq/themis/pkg/retention"
)

// Decision is the outcome of a hold check.
type Decision struct {
	// Allowed is true when no hold currently forbids disposal.
	Allowed bool

	// Reason explains a denial ("active legal hold", "hold expires ...").
	Reason string
}

// Guard checks whether disposal is currently forbidden for a record.
//
// Hold state is re-read fresh from the record source at every call: hold
// status can change between when a record was found due and when
// destruction actually executes, so the executor calls the guard twice per
// disposal, once during verification and once immediately before the
// irreversible action.
type Guard struct {
	source retention.RecordSource
	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewGuard creates a guard reading hold state through the record source.
func NewGuard(source retention.RecordSource) *Guard {
	return &Guard{
		source: source,
		logger: slog.Default().With("component", "retention.hold"),
		now:    time.Now,
	}
}

// CheckHold re-reads the record and reports whether disposal is allowed.
// A record that no longer exists is treated as allowed: there is nothing
// left to hold, and the idempotent disposal path handles the rest.
func (g *Guard) CheckHold(ctx context.Context, recordType, recordID string) (Decision, error) {
	record, err := g.source.Get(ctx, recordType, recordID)
	if err != nil {
		if errors.Is(err, retention.ErrRecordNotFound) {
			return Decision{Allowed: true}, nil
		}
		return Decision{}, fmt.Errorf("hold check failed for %s/%s: %w", recordType, recordID, err)
	}

	now := g.now()
	if record.LegalHold.InEffect(now) {
		reason := "active legal hold"
		if record.LegalHold.ExpiresAt != nil {
			reason = fmt.Sprintf("active legal hold, expires %s", record.LegalHold.ExpiresAt.Format(time.RFC3339))
		}
		g.logger.Warn("disposal blocked by legal hold",
			"record_type", recordType,
			"record_id", recordID,
			"reason", reason,
		)
		return Decision{Allowed: false, Reason: reason}, nil
	}

	return Decision{Allowed: true}, nil
}
