package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// InconsistencyKind classifies state the saga could not repair on its own.
type InconsistencyKind string

const (
	// InconsistencyOrphanedReservation is a provider reservation with no local order or debit.
	InconsistencyOrphanedReservation InconsistencyKind = "orphaned_reservation"
)

// Inconsistency is a fatal-inconsistency record kept for the sweeper and operators.
// It maps to the `inconsistencies` table.
type Inconsistency struct {
	ID         uuid.UUID         `json:"id"`
	Kind       InconsistencyKind `json:"kind"`
	UserID     uuid.UUID         `json:"user_id"`
	OrderID    uuid.UUID         `json:"order_id"`
	Provider   string            `json:"provider"`
	ExternalID string            `json:"external_id"`
	Amount     int64             `json:"amount"`
	Detail     string            `json:"detail"`
	Attempts   int               `json:"attempts"`
	Resolved   bool              `json:"resolved"`
	Metadata   json.RawMessage   `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}

// SweepOptions controls a single sweeper run.
type SweepOptions struct {
	DryRun      bool          `json:"dry_run"`
	ExpiryGrace time.Duration `json:"expiry_grace"`
	MaxAge      time.Duration `json:"max_age"`
	Limit       int           `json:"limit"`
	PollActive  bool          `json:"poll_active"`
}

// SweepCandidate is an order or record a pass acted on, or would act on in a dry run.
type SweepCandidate struct {
	Pass    string    `json:"pass"`
	OrderID uuid.UUID `json:"order_id"`
	UserID  uuid.UUID `json:"user_id"`
	Status  string    `json:"status"`
	Amount  int64     `json:"amount"`
	Action  string    `json:"action"`
	Error   string    `json:"error,omitempty"`
}

// SweepReport summarises a sweeper run.
type SweepReport struct {
	RunID        uuid.UUID        `json:"run_id"`
	DryRun       bool             `json:"dry_run"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
	Expired      int              `json:"expired"`
	Cancelled    int              `json:"cancelled"`
	Fulfilled    int              `json:"fulfilled"`
	FlagsFixed   int              `json:"flags_fixed"`
	CreditsFixed int              `json:"credits_fixed"`
	Compensated  int              `json:"compensated"`
	Failed       int              `json:"failed"`
	Skipped      int              `json:"skipped"`
	Candidates   []SweepCandidate `json:"candidates"`
}

// Mutations returns the number of state changes made by the run.
func (r *SweepReport) Mutations() int {
	return r.Expired + r.Cancelled + r.Fulfilled + r.FlagsFixed + r.CreditsFixed + r.Compensated
}
