/*
ledger.go - Append-only group pot

PURPOSE:
  Every accepted penalty adds its amount to the group's shared pot. The pot
  is never a stored number: it is the sum of immutable entries, so the
  history always explains the balance.

INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. IDEMPOTENT: One entry per idempotency key. An accepted penalty always
     uses PenaltyPotKey(id), so a retried acceptance cannot double-charge.

CORRECTIONS:
  An admin correction is an adjustment entry with the opposite sign.

SEE ALSO:
  - store.go: PotStore
  - penalty/manager.go: Writes entries together with the status transition
*/
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// POT ENTRY
// =============================================================================

type PotEntryType string

const (
	PotPenaltyAccepted PotEntryType = "penalty_accepted" // member accepted
	PotPenaltyAuto     PotEntryType = "penalty_auto"     // auto-accepted after expiry
	PotPenaltyUpheld   PotEntryType = "penalty_upheld"   // admin rejected a dispute
	PotAdjustment      PotEntryType = "adjustment"       // manual admin correction
)

type PotEntry struct {
	ID             PotEntryID
	GroupID        GroupID
	MemberID       MemberID
	Amount         decimal.Decimal
	Type           PotEntryType
	ReferenceID    string
	Reason         string
	IdempotencyKey string
	CreatedAt      time.Time
}

// PenaltyPotKey is the idempotency key of the entry for an accepted penalty.
func PenaltyPotKey(id PenaltyID) string {
	return "penalty-" + string(id)
}

// =============================================================================
// POT LEDGER
// =============================================================================

type PotLedger struct {
	Store PotStore
}

func NewPotLedger(store PotStore) *PotLedger {
	return &PotLedger{Store: store}
}

// Append adds an entry. Fails with ErrDuplicateIdempotencyKey if the key exists.
func (l *PotLedger) Append(ctx context.Context, e PotEntry) error {
	if e.IdempotencyKey != "" {
		exists, err := l.Store.PotEntryExists(ctx, e.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	return l.Store.AppendPotEntry(ctx, e)
}

// Entries returns the group's pot history, oldest first.
func (l *PotLedger) Entries(ctx context.Context, groupID GroupID) ([]PotEntry, error) {
	return l.Store.PotEntries(ctx, groupID)
}

// Balance sums the group's pot.
func (l *PotLedger) Balance(ctx context.Context, groupID GroupID) (decimal.Decimal, error) {
	entries, err := l.Store.PotEntries(ctx, groupID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total, nil
}

// ContributionsByMember sums pot entries per member.
func (l *PotLedger) ContributionsByMember(ctx context.Context, groupID GroupID) (map[MemberID]decimal.Decimal, error) {
	entries, err := l.Store.PotEntries(ctx, groupID)
	if err != nil {
		return nil, err
	}
	out := make(map[MemberID]decimal.Decimal)
	for _, e := range entries {
		if e.MemberID == "" {
			continue
		}
		out[e.MemberID] = out[e.MemberID].Add(e.Amount)
	}
	return out, nil
}
