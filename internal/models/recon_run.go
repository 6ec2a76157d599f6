package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReconRun is one orchestrator invocation: counts and dollar totals per
// outcome category, recorded for dry runs as well as apply runs.
type ReconRun struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	Kind             string    // reconcile, balances, dedupe
	DryRun           bool
	Actor            string
	ProcessedCount   int
	AutoLinkedCount  int
	NeedsReviewCount int
	NoMatchCount     int
	SkippedCount     int
	AutoLinkedSum    decimal.Decimal `gorm:"type:numeric(14,2)"`
	NeedsReviewSum   decimal.Decimal `gorm:"type:numeric(14,2)"`
	NoMatchSum       decimal.Decimal `gorm:"type:numeric(14,2)"`
	Status           string
	StartedAt        time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
}
