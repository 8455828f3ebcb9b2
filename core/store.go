package core

import (
	"context"
	"time"
)

// ProposalStore persists proposals. Every write is conditioned on the
// version the caller read, which is how concurrent signers on one proposal
// are linearized.
type ProposalStore interface {
	// Insert stores a new proposal, assigning Seq and Version.
	Insert(ctx context.Context, p *Proposal) (*Proposal, error)

	// Get returns ErrNotFound if id is absent.
	Get(ctx context.Context, id string) (*Proposal, error)

	// UpdateIfUnchanged replaces the proposal if its stored version is still
	// expectedVersion and returns the stored copy with its new version.
	// Fails with ErrConflict on mismatch and ErrNotFound if it is gone.
	UpdateIfUnchanged(ctx context.Context, id string, expectedVersion uint64, next *Proposal) (*Proposal, error)

	// DeleteIfUnchanged removes the proposal under the same condition.
	DeleteIfUnchanged(ctx context.Context, id string, expectedVersion uint64) error

	// List returns matching proposals in insertion order.
	List(ctx context.Context, filter Filter) ([]*Proposal, error)

	// DeleteExpired removes pending proposals with ExpiresAt before now.
	// Rows that are already gone are skipped silently.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

type Filter struct {
	// Source restricts to one source account when set.
	Source string
	// Statuses restricts to the given statuses when set.
	Statuses    []ProposalStatus
	ChangedOnly bool
}

func (f Filter) Match(p *Proposal) bool {
	if f.Source != "" && p.Source != f.Source {
		return false
	}
	if f.ChangedOnly && !p.Changed {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if p.Status == s {
			return true
		}
	}
	return false
}
