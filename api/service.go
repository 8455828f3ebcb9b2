package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/multisig-wizard/coordinator/core"
	"github.com/multisig-wizard/coordinator/ledger"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	msgCreated         = "The partial transaction has been created and stored. Please ask the other signatories to sign it."
	msgCreatedComplete = "As your signature had sufficient weight to complete this transaction, it has been broadcast straight away."
	msgSigned          = "You have signed this transaction. However, it still requires additional signatures to be broadcast."
	msgSignedComplete  = "The multisig transaction has been completed and broadcast."
)

// PartialTxRequest carries a transaction signed by one signatory together
// with the auth transaction proving who signed it.
type PartialTxRequest struct {
	PartialTx   json.RawMessage `json:"partialTx"`
	AuthTx      json.RawMessage `json:"authTx"`
	RandomBytes string          `json:"randomBytes"`
	SignedBy    []string        `json:"signedBy"`
}

type AddSigRequest struct {
	PartialTxRequest
	TransactionID string `json:"transactionId"`
}

type CreateResponse struct {
	ID        string `json:"id,omitempty"`
	Completed bool   `json:"completed"`
	Weight    uint64 `json:"weight"`
	Threshold uint64 `json:"threshold"`
	TxID      string `json:"txId,omitempty"`
	BlockNum  uint64 `json:"blockNum,omitempty"`
	Message   string `json:"message"`
}

type SignResponse struct {
	Completed bool   `json:"completed"`
	Weight    uint64 `json:"weight"`
	Threshold uint64 `json:"threshold"`
	TxID      string `json:"txId,omitempty"`
	BlockNum  uint64 `json:"blockNum,omitempty"`
	Message   string `json:"message"`
}

// Service exposes the engine operations on ledger-native request bodies.
// Every error it returns is a *Failure.
type Service struct {
	engine *core.Engine
	logger logrus.FieldLogger
}

func NewService(engine *core.Engine, logger logrus.FieldLogger) *Service {
	return &Service{
		engine: engine,
		logger: logger.WithField("module", "api"),
	}
}

func (s *Service) CreateProposal(ctx context.Context, req *PartialTxRequest) (*CreateResponse, error) {
	signer, err := req.signer()
	if err != nil {
		return nil, s.fail("create", err)
	}
	payload, sigs, err := ledger.DecodeTransaction(req.PartialTx)
	if err != nil {
		return nil, s.fail("create", err)
	}

	res, err := s.engine.CreateProposal(ctx, &core.CreateRequest{
		Payload:    payload,
		Proposer:   signer,
		Proof:      core.AuthProof(req.AuthTx),
		Challenge:  req.RandomBytes,
		Signatures: sigs,
	})
	if err != nil {
		return nil, s.fail("create", err)
	}

	resp := &CreateResponse{ID: res.ID, Completed: res.Completed, Weight: res.Weight, Threshold: res.Threshold, Message: msgCreated}
	if res.Completed {
		resp.ID = ""
		resp.Message = msgCreatedComplete
		resp.TxID, resp.BlockNum = res.Broadcast.TxID, res.Broadcast.BlockNum
	}
	return resp, nil
}

// AddSignature adds the signatures of req.SignedBy[0]. The partial
// transaction must be the stored one, signed; only signatures the proposal
// does not hold yet are taken.
func (s *Service) AddSignature(ctx context.Context, req *AddSigRequest) (*SignResponse, error) {
	if req.TransactionID == "" {
		return nil, s.fail("sign", core.ErrValidation.New("bad transaction id"))
	}
	signer, err := req.signer()
	if err != nil {
		return nil, s.fail("sign", err)
	}
	payload, sigs, err := ledger.DecodeTransaction(req.PartialTx)
	if err != nil {
		return nil, s.fail("sign", err)
	}

	p, err := s.engine.Get(ctx, req.TransactionID)
	if err != nil {
		return nil, s.fail("sign", err)
	}
	if !bytes.Equal(payload.Raw, p.Payload.Raw) {
		return nil, s.fail("sign", core.ErrValidation.Newf("partial transaction does not match proposal %s", p.ID))
	}

	res, err := s.engine.AddSignature(ctx, &core.SignRequest{
		ProposalID: req.TransactionID,
		Signer:     signer,
		Proof:      core.AuthProof(req.AuthTx),
		Challenge:  req.RandomBytes,
		Signatures: newSignatures(p, sigs),
	})
	if err != nil {
		return nil, s.fail("sign", err)
	}

	resp := &SignResponse{Completed: res.Completed, Weight: res.Weight, Threshold: res.Threshold, Message: msgSigned}
	if res.Completed {
		resp.Message = msgSignedComplete
		resp.TxID, resp.BlockNum = res.Broadcast.TxID, res.Broadcast.BlockNum
	}
	return resp, nil
}

func (s *Service) ListProposals(ctx context.Context, source string) ([]core.Summary, error) {
	if source == "" {
		return nil, s.fail("list", core.ErrValidation.New("source account is empty"))
	}
	list, err := s.engine.ListProposals(ctx, source)
	if err != nil {
		return nil, s.fail("list", err)
	}
	return list, nil
}

func (s *Service) Get(ctx context.Context, id string) (*core.Summary, error) {
	p, err := s.engine.Get(ctx, id)
	if err != nil {
		return nil, s.fail("get", err)
	}
	summary := p.Summary()
	return &summary, nil
}

// ListChangedDigest returns what the next digest would report.
func (s *Service) ListChangedDigest(ctx context.Context) ([]core.Summary, error) {
	ps, err := s.engine.ListChanged(ctx)
	if err != nil {
		return nil, s.fail("digest", err)
	}
	return summaries(ps), nil
}

// MarkReported clears the changed flag of ids whatever their version.
func (s *Service) MarkReported(ctx context.Context, ids []string) error {
	refs := make([]core.ReportRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, core.ReportRef{ID: id})
	}
	if err := s.engine.MarkReported(ctx, refs); err != nil {
		return s.fail("mark reported", err)
	}
	return nil
}

func (s *Service) ListUnreconciled(ctx context.Context) ([]core.Summary, error) {
	ps, err := s.engine.ListUnreconciled(ctx)
	if err != nil {
		return nil, s.fail("unreconciled", err)
	}
	return summaries(ps), nil
}

// Reconcile takes the outcome as "completed" or "failed".
func (s *Service) Reconcile(ctx context.Context, id string, outcome string) error {
	o, err := core.ParseReconcileOutcome(outcome)
	if err != nil {
		return s.fail("reconcile", err)
	}
	if err := s.engine.Reconcile(ctx, id, o); err != nil {
		return s.fail("reconcile", err)
	}
	return nil
}

func (s *Service) Cancel(ctx context.Context, id string, account string) error {
	if err := s.engine.Cancel(ctx, id, account); err != nil {
		return s.fail("cancel", err)
	}
	return nil
}

func (s *Service) fail(op string, err error) error {
	f := NewFailure(err)
	entry := s.logger.WithFields(logrus.Fields{"op": op, "kind": f.Kind})
	switch {
	case f.Reconcile:
		entry.WithError(err).Error("outcome unknown, needs reconciliation")
	case f.Kind == core.ErrStorage.Name():
		entry.WithError(err).Error("request failed")
	default:
		entry.WithError(err).Info("request refused")
	}
	return f
}

func (r *PartialTxRequest) signer() (string, error) {
	if len(r.SignedBy) == 0 || r.SignedBy[0] == "" {
		return "", core.ErrValidation.New("signedBy is empty")
	}
	if len(r.AuthTx) == 0 {
		return "", core.ErrValidation.New("authTx is empty")
	}
	return r.SignedBy[0], nil
}

func newSignatures(p *core.Proposal, sigs []string) []string {
	known := make(map[string]bool)
	for _, s := range p.SignedBy {
		for _, sig := range s.Signatures {
			known[sig] = true
		}
	}
	var out []string
	for _, sig := range sigs {
		if !known[sig] {
			known[sig] = true
			out = append(out, sig)
		}
	}
	return out
}

func summaries(ps []*core.Proposal) []core.Summary {
	out := make([]core.Summary, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Summary())
	}
	return out
}

// Failure is the structured form of every error crossing the boundary.
type Failure struct {
	Kind    string `json:"kind"`
	Code    uint32 `json:"code"`
	Outcome string `json:"outcome,omitempty"`
	Message string `json:"message"`

	// Reconcile is set when a broadcast may have executed. The proposal is
	// held until an operator reconciles it.
	Reconcile bool `json:"reconcile,omitempty"`
}

func NewFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	kind := core.KindOf(err)
	if kind == nil {
		// unclassified errors come out of the store or the runtime
		kind = core.ErrStorage
	}
	f = &Failure{Kind: kind.Name(), Code: kind.Code(), Message: err.Error()}

	var be *core.BroadcastError
	if errors.As(err, &be) {
		f.Outcome = be.Outcome.String()
		f.Reconcile = be.Outcome == core.Indeterminate
	}
	return f
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}
