package core

import (
	"encoding/json"
	"fmt"
	"time"
)

type ProposalStatus uint8

const (
	// Pending proposals accept signatures.
	Pending ProposalStatus = iota

	// Finalizing means one caller claimed the proposal and is broadcasting it.
	Finalizing

	// Unreconciled means the broadcast outcome is unknown and the proposal
	// waits for Reconcile.
	Unreconciled
)

var statusNames = map[ProposalStatus]string{
	Pending:       "pending",
	Finalizing:    "finalizing",
	Unreconciled:  "indeterminate",
}

func (s ProposalStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s ProposalStatus) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("unknown proposal status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *ProposalStatus) UnmarshalText(text []byte) error {
	for status, name := range statusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown proposal status %q", text)
}

// Payload is the operation broadcast once a proposal is authorized. The
// engine never looks into Raw.
type Payload struct {
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	Amount      string          `json:"amount"`
	Memo        string          `json:"memo,omitempty"`
	Expiration  time.Time       `json:"expiration"`
	Raw         json.RawMessage `json:"raw"`
}

// Signature is one accepted signer. Weight is the signer's weight at the
// moment the signature was accepted and is never re-read.
type Signature struct {
	Account string `json:"account"`
	Weight  uint64 `json:"weight"`
	// opaque ledger signatures contributed by this signer
	Signatures []string `json:"signatures,omitempty"`
}

type Proposal struct {
	ID              string         `json:"id"`
	Seq             uint64         `json:"seq"`
	Proposer        string         `json:"proposer"`
	Source          string         `json:"source"`
	Payload         Payload        `json:"payload"`
	ExpiresAt       time.Time      `json:"expires_at"`
	WeightThreshold uint64         `json:"weight_threshold"`
	SignedBy        []Signature    `json:"signed_by"`
	SignedWeight    uint64         `json:"signed_weight"`
	Changed         bool           `json:"changed"`
	Status          ProposalStatus `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`

	// Claim is the signature that crossed the threshold. It is set while
	// Finalizing or Unreconciled and is not part of SignedBy or SignedWeight.
	Claim *Signature `json:"claim,omitempty"`

	// Version is owned by the store and changes on every write.
	Version uint64 `json:"version"`
}

func (p *Proposal) HasSigned(account string) bool {
	for _, s := range p.SignedBy {
		if s.Account == account {
			return true
		}
	}
	return false
}

func (p *Proposal) Signers() []string {
	accounts := make([]string, 0, len(p.SignedBy))
	for _, s := range p.SignedBy {
		accounts = append(accounts, s.Account)
	}
	return accounts
}

// Expired reports whether the proposal is past its expiry at now.
func (p *Proposal) Expired(now time.Time) bool {
	return p.ExpiresAt.Before(now)
}

// Clone returns a deep copy, safe to mutate and hand to the store.
func (p *Proposal) Clone() *Proposal {
	c := *p
	c.Payload.Raw = append(json.RawMessage(nil), p.Payload.Raw...)
	c.SignedBy = make([]Signature, len(p.SignedBy))
	for i, s := range p.SignedBy {
		c.SignedBy[i] = s.clone()
	}
	if p.Claim != nil {
		claim := p.Claim.clone()
		c.Claim = &claim
	}
	return &c
}

func (s Signature) clone() Signature {
	s.Signatures = append([]string(nil), s.Signatures...)
	return s
}

// ledgerSignatures collects every signature accepted so far plus extra,
// without duplicates, in signing order.
func (p *Proposal) ledgerSignatures(extra *Signature) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(sigs []string) {
		for _, sig := range sigs {
			if _, ok := seen[sig]; ok {
				continue
			}
			seen[sig] = struct{}{}
			out = append(out, sig)
		}
	}
	for _, s := range p.SignedBy {
		add(s.Signatures)
	}
	if extra != nil {
		add(extra.Signatures)
	}
	return out
}

// Summary is the listing view of a proposal.
type Summary struct {
	ID              string         `json:"id"`
	Proposer        string         `json:"proposer"`
	Source          string         `json:"sourceAccount"`
	Destination     string         `json:"destination"`
	Amount          string         `json:"amount"`
	ExpiresAt       time.Time      `json:"expiresAt"`
	SignedBy        []string       `json:"signedBy"`
	WeightThreshold uint64         `json:"weightThreshold"`
	WeightSigned    uint64         `json:"weightSigned"`
	Status          ProposalStatus `json:"status"`
}

func (p *Proposal) Summary() Summary {
	return Summary{
		ID:              p.ID,
		Proposer:        p.Proposer,
		Source:          p.Source,
		Destination:     p.Payload.Destination,
		Amount:          p.Payload.Amount,
		ExpiresAt:       p.ExpiresAt,
		SignedBy:        p.Signers(),
		WeightThreshold: p.WeightThreshold,
		WeightSigned:    p.SignedWeight,
		Status:          p.Status,
	}
}

type Signer struct {
	Account string `json:"account"`
	Weight  uint64 `json:"weight"`
}

// Authority is the live signer set of an account.
type Authority struct {
	Account   string   `json:"account"`
	Signers   []Signer `json:"signers"`
	Threshold uint64   `json:"threshold"`
}

func (a *Authority) WeightOf(account string) (uint64, bool) {
	for _, s := range a.Signers {
		if s.Account == account {
			return s.Weight, true
		}
	}
	return 0, false
}

type BroadcastResult struct {
	TxID     string `json:"tx_id"`
	BlockNum uint64 `json:"block_num"`
}

// AuthProof is a ledger-native authorization proof, opaque to the engine.
type AuthProof json.RawMessage

type CreateRequest struct {
	Payload    Payload
	Proposer   string
	Proof      AuthProof
	Challenge  string
	Signatures []string
}

func (r *CreateRequest) Validate() error {
	switch {
	case r.Proposer == "":
		return ErrValidation.New("proposer is empty")
	case r.Payload.Source == "":
		return ErrValidation.New("payload has no source account")
	case r.Payload.Destination == "":
		return ErrValidation.New("payload has no destination account")
	case r.Payload.Expiration.IsZero():
		return ErrValidation.New("payload has no expiration")
	case len(r.Proof) == 0:
		return ErrValidation.New("authorization proof is empty")
	case r.Challenge == "":
		return ErrValidation.New("challenge is empty")
	}
	return nil
}

type CreateResult struct {
	ID        string
	Completed bool
	Broadcast *BroadcastResult
	Weight    uint64
	Threshold uint64
}

type SignRequest struct {
	ProposalID string
	Signer     string
	Proof      AuthProof
	Challenge  string
	Signatures []string
}

func (r *SignRequest) Validate() error {
	switch {
	case r.ProposalID == "":
		return ErrValidation.New("proposal id is empty")
	case r.Signer == "":
		return ErrValidation.New("signer is empty")
	case len(r.Proof) == 0:
		return ErrValidation.New("authorization proof is empty")
	case r.Challenge == "":
		return ErrValidation.New("challenge is empty")
	}
	return nil
}

type SignResult struct {
	Completed bool
	Broadcast *BroadcastResult
	Weight    uint64
	Threshold uint64
}

type ReconcileOutcome uint8

const (
	// ReconcileCompleted records that the ledger executed the payload.
	ReconcileCompleted ReconcileOutcome = iota + 1
	// ReconcileFailed records that it did not, so signing can resume.
	ReconcileFailed
)

func ParseReconcileOutcome(s string) (ReconcileOutcome, error) {
	switch s {
	case "completed":
		return ReconcileCompleted, nil
	case "failed":
		return ReconcileFailed, nil
	}
	return 0, ErrValidation.Newf("unknown reconcile outcome %q, want completed or failed", s)
}

// ReportRef identifies a proposal as seen by a digest. A zero Version
// matches any version.
type ReportRef struct {
	ID      string
	Version uint64
}
