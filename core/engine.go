package core

import (
	"context"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/google/uuid"
	"github.com/multisig-wizard/coordinator/repo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const conflictBackoff = 2 * time.Millisecond

// Engine coordinates proposals: it accepts signatures, evaluates the weight
// threshold and finalizes each proposal at most once.
//
// The threshold of a proposal is captured when it is created and never
// re-read, while the weight of every new signer is resolved live when the
// signature arrives.
type Engine struct {
	store   ProposalStore
	ledger  Ledger
	reaper  *Reaper
	logger  logrus.FieldLogger
	metrics *Metrics

	maxConflictRetries uint
	now                func() time.Time
	newID              func() string
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		e.newID = newID
	}
}

func NewEngine(config *repo.Config, store ProposalStore, ledger Ledger, logger logrus.FieldLogger, opts ...Option) *Engine {
	e := &Engine{
		store:              store,
		ledger:             ledger,
		logger:             logger.WithField("module", "engine"),
		maxConflictRetries: config.Engine.MaxConflictRetries,
		now:                time.Now,
		newID:              uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(prometheus.NewRegistry())
	}
	e.reaper = NewReaper(store, logger, e.metrics, e.now)
	return e
}

// attempts counts the first try, so a zero retry budget still runs once.
func (e *Engine) attempts() uint {
	return e.maxConflictRetries + 1
}

func (e *Engine) Reaper() *Reaper {
	return e.reaper
}

// sweep runs before every entry point. Failures are logged only: reads
// re-check expiry themselves.
func (e *Engine) sweep(ctx context.Context) {
	if _, err := e.reaper.SweepNow(ctx); err != nil {
		e.logger.WithError(err).Error("expiry sweep failed")
	}
}

func (e *Engine) CreateProposal(ctx context.Context, req *CreateRequest) (*CreateResult, error) {
	e.sweep(ctx)

	if err := req.Validate(); err != nil {
		return nil, err
	}
	payload := req.Payload

	if err := e.verify(ctx, req.Proof, req.Proposer, payload.Expiration, req.Challenge); err != nil {
		return nil, err
	}

	authority, err := e.resolve(ctx, payload.Source)
	if err != nil {
		return nil, err
	}
	for _, account := range []string{payload.Destination, req.Proposer} {
		if err := e.mustExist(ctx, account); err != nil {
			return nil, err
		}
	}

	weight, ok := authority.WeightOf(req.Proposer)
	if !ok {
		return nil, ErrNotAuthorized.Newf("proposer %s is not in the authority of %s", req.Proposer, payload.Source)
	}

	now := e.now()
	p := &Proposal{
		ID:              e.newID(),
		Proposer:        req.Proposer,
		Source:          payload.Source,
		Payload:         payload,
		ExpiresAt:       payload.Expiration,
		WeightThreshold: authority.Threshold,
		Status:          Pending,
		CreatedAt:       now,
	}
	sig := Signature{Account: req.Proposer, Weight: weight, Signatures: req.Signatures}

	if weight >= authority.Threshold {
		e.logger.Infof("proposer %s alone meets threshold %d of %s, broadcasting", req.Proposer, authority.Threshold, payload.Source)
		e.metrics.proposalsCreated.Inc()
		res, err := e.broadcastUnstored(ctx, p, sig)
		if err != nil {
			return nil, err
		}
		return &CreateResult{ID: p.ID, Completed: true, Broadcast: res, Weight: weight, Threshold: authority.Threshold}, nil
	}

	p.SignedBy = []Signature{sig}
	p.SignedWeight = weight
	p.Changed = true
	stored, err := e.store.Insert(ctx, p)
	if err != nil {
		return nil, err
	}
	e.metrics.proposalsCreated.Inc()
	e.metrics.signaturesAccepted.Inc()
	e.logger.WithFields(logrus.Fields{
		"id":        stored.ID,
		"source":    stored.Source,
		"proposer":  stored.Proposer,
		"weight":    stored.SignedWeight,
		"threshold": stored.WeightThreshold,
	}).Info("proposal created")

	return &CreateResult{ID: stored.ID, Weight: weight, Threshold: authority.Threshold}, nil
}

// broadcastUnstored finalizes a proposal that was never persisted. Only an
// indeterminate outcome stores it, so it can be reconciled.
func (e *Engine) broadcastUnstored(ctx context.Context, p *Proposal, sig Signature) (*BroadcastResult, error) {
	res, err := e.ledger.Broadcast(ctx, p.Payload, p.ledgerSignatures(&sig))
	if err == nil {
		e.metrics.finalizations.WithLabelValues(outcomeCompleted).Inc()
		e.logger.WithField("id", p.ID).Infof("broadcast included in block %d", res.BlockNum)
		return res, nil
	}

	err = asBroadcastError(err)
	if !IsIndeterminate(err) {
		e.metrics.finalizations.WithLabelValues(outcomeRejected).Inc()
		e.logger.WithError(err).WithField("id", p.ID).Error("broadcast rejected")
		return nil, err
	}

	e.metrics.finalizations.WithLabelValues(outcomeIndeterminate).Inc()
	p.Status = Unreconciled
	p.Claim = &sig
	if _, serr := e.store.Insert(context.Background(), p); serr != nil {
		e.logger.WithError(serr).WithField("id", p.ID).Error("failed to record indeterminate broadcast")
	}
	e.logger.WithError(err).WithField("id", p.ID).Warn("broadcast outcome unknown, proposal needs reconciliation")
	return nil, err
}

func (e *Engine) AddSignature(ctx context.Context, req *SignRequest) (*SignResult, error) {
	e.sweep(ctx)

	if err := req.Validate(); err != nil {
		return nil, err
	}

	var (
		result   *SignResult
		terminal error
		verified bool
	)
	action := func(attempt uint) error {
		p, err := e.loadPending(ctx, req.ProposalID)
		if err != nil {
			terminal = err
			return nil
		}
		if p.HasSigned(req.Signer) {
			terminal = ErrAlreadySigned.Newf("%s already signed proposal %s", req.Signer, p.ID)
			return nil
		}
		if !verified {
			if err := e.verify(ctx, req.Proof, req.Signer, p.ExpiresAt, req.Challenge); err != nil {
				terminal = err
				return nil
			}
			verified = true
		}

		res, err := e.applySignature(ctx, p, req)
		if ErrConflict.Is(err) {
			e.metrics.conflicts.Inc()
			e.logger.WithField("id", p.ID).Debugf("attempt %d lost an update race, reloading", attempt)
			return err
		}
		result, terminal = res, err
		return nil
	}

	err := retry.Retry(action,
		strategy.Limit(e.attempts()),
		strategy.Backoff(backoff.Linear(conflictBackoff)),
	)
	if err != nil {
		return nil, ErrStorage.Wrapf(err, "proposal %s kept changing, gave up after %d retries", req.ProposalID, e.maxConflictRetries)
	}
	return result, terminal
}

// applySignature runs from authority resolution onwards against one read of
// the proposal. Any write it makes is conditioned on p.Version.
func (e *Engine) applySignature(ctx context.Context, p *Proposal, req *SignRequest) (*SignResult, error) {
	authority, err := e.resolve(ctx, p.Source)
	if err != nil {
		return nil, err
	}
	weight, ok := authority.WeightOf(req.Signer)
	if !ok {
		return nil, ErrNotAuthorized.Newf("signer %s is not in the authority of %s", req.Signer, p.Source)
	}

	sig := Signature{Account: req.Signer, Weight: weight, Signatures: req.Signatures}
	newWeight := p.SignedWeight + weight

	if newWeight >= p.WeightThreshold {
		res, err := e.finalize(ctx, p, sig)
		if err != nil {
			return nil, err
		}
		return &SignResult{Completed: true, Broadcast: res, Weight: newWeight, Threshold: p.WeightThreshold}, nil
	}

	next := p.Clone()
	next.SignedBy = append(next.SignedBy, sig)
	next.SignedWeight = newWeight
	next.Changed = true
	if _, err := e.store.UpdateIfUnchanged(ctx, p.ID, p.Version, next); err != nil {
		return nil, err
	}
	e.metrics.signaturesAccepted.Inc()
	e.logger.WithFields(logrus.Fields{
		"id":        p.ID,
		"signer":    req.Signer,
		"weight":    newWeight,
		"threshold": p.WeightThreshold,
	}).Info("signature added")

	return &SignResult{Weight: newWeight, Threshold: p.WeightThreshold}, nil
}

// finalize claims p, broadcasts it and settles the claim. The claim is a
// conditional write, so of all callers racing on one version exactly one
// reaches the ledger.
func (e *Engine) finalize(ctx context.Context, p *Proposal, sig Signature) (*BroadcastResult, error) {
	claim := p.Clone()
	claim.Status = Finalizing
	claim.Claim = &sig
	claimed, err := e.store.UpdateIfUnchanged(ctx, p.ID, p.Version, claim)
	if err != nil {
		return nil, err
	}
	logger := e.logger.WithField("id", p.ID)
	logger.Infof("broadcasting, signed by %v and %s", p.Signers(), sig.Account)

	res, err := e.ledger.Broadcast(ctx, p.Payload, p.ledgerSignatures(&sig))

	// settle even if the caller went away meanwhile
	settleCtx := context.Background()

	if err == nil {
		e.metrics.finalizations.WithLabelValues(outcomeCompleted).Inc()
		logger.Infof("included in block %d", res.BlockNum)
		if derr := e.store.DeleteIfUnchanged(settleCtx, p.ID, claimed.Version); derr != nil {
			logger.WithError(derr).Error("broadcast succeeded but the proposal could not be deleted, reconcile it as completed")
		}
		return res, nil
	}

	err = asBroadcastError(err)
	if IsIndeterminate(err) {
		e.metrics.finalizations.WithLabelValues(outcomeIndeterminate).Inc()
		mark := claimed.Clone()
		mark.Status = Unreconciled
		if _, uerr := e.store.UpdateIfUnchanged(settleCtx, p.ID, claimed.Version, mark); uerr != nil {
			logger.WithError(uerr).Error("failed to mark proposal indeterminate")
		}
		logger.WithError(err).Warn("broadcast outcome unknown, proposal needs reconciliation")
		return nil, err
	}

	e.metrics.finalizations.WithLabelValues(outcomeRejected).Inc()
	revert := claimed.Clone()
	revert.Status = Pending
	revert.Claim = nil
	if _, uerr := e.store.UpdateIfUnchanged(settleCtx, p.ID, claimed.Version, revert); uerr != nil {
		logger.WithError(uerr).Error("failed to release claim after rejected broadcast")
	}
	logger.WithError(err).Error("broadcast rejected, signature not recorded")
	return nil, err
}

// ListProposals returns the pending proposals of source in creation order.
func (e *Engine) ListProposals(ctx context.Context, source string) ([]Summary, error) {
	e.sweep(ctx)

	ps, err := e.listPending(ctx, Filter{Source: source, Statuses: []ProposalStatus{Pending}})
	if err != nil {
		return nil, err
	}
	summaries := make([]Summary, 0, len(ps))
	for _, p := range ps {
		summaries = append(summaries, p.Summary())
	}
	return summaries, nil
}

// Get returns one pending proposal.
func (e *Engine) Get(ctx context.Context, id string) (*Proposal, error) {
	e.sweep(ctx)
	return e.loadPending(ctx, id)
}

// ListUnreconciled returns proposals stuck in finalization, whatever their
// expiry: the ledger may have executed them.
func (e *Engine) ListUnreconciled(ctx context.Context) ([]*Proposal, error) {
	return e.store.List(ctx, Filter{Statuses: []ProposalStatus{Finalizing, Unreconciled}})
}

// Reconcile settles a proposal whose broadcast outcome was unknown, after
// the operator checked the ledger.
func (e *Engine) Reconcile(ctx context.Context, id string, outcome ReconcileOutcome) error {
	p, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Status == Pending {
		return ErrValidation.Newf("proposal %s is pending, nothing to reconcile", id)
	}
	logger := e.logger.WithField("id", id)

	switch outcome {
	case ReconcileCompleted:
		if err := e.store.DeleteIfUnchanged(ctx, id, p.Version); err != nil {
			return err
		}
		e.metrics.reconciliations.WithLabelValues(outcomeCompleted).Inc()
		logger.Info("reconciled as completed")
	case ReconcileFailed:
		if len(p.SignedBy) == 0 {
			// finalized on creation, there is nothing to resume
			if err := e.store.DeleteIfUnchanged(ctx, id, p.Version); err != nil {
				return err
			}
		} else {
			next := p.Clone()
			next.Status = Pending
			next.Claim = nil
			next.Changed = true
			if _, err := e.store.UpdateIfUnchanged(ctx, id, p.Version, next); err != nil {
				return err
			}
		}
		e.metrics.reconciliations.WithLabelValues(outcomeFailed).Inc()
		logger.Info("reconciled as failed")
	default:
		return ErrValidation.Newf("unknown reconcile outcome %d", outcome)
	}
	return nil
}

// Cancel deletes a pending proposal on behalf of its proposer.
func (e *Engine) Cancel(ctx context.Context, id string, account string) error {
	e.sweep(ctx)

	var terminal error
	action := func(attempt uint) error {
		p, err := e.loadPending(ctx, id)
		if err != nil {
			terminal = err
			return nil
		}
		if p.Proposer != account {
			terminal = ErrNotAuthorized.Newf("only %s may cancel proposal %s", p.Proposer, id)
			return nil
		}
		err = e.store.DeleteIfUnchanged(ctx, id, p.Version)
		if ErrConflict.Is(err) {
			e.metrics.conflicts.Inc()
			return err
		}
		terminal = err
		return nil
	}
	if err := retry.Retry(action, strategy.Limit(e.attempts()), strategy.Backoff(backoff.Linear(conflictBackoff))); err != nil {
		return ErrStorage.Wrapf(err, "proposal %s kept changing", id)
	}
	if terminal == nil {
		e.logger.WithField("id", id).Infof("proposal cancelled by %s", account)
	}
	return terminal
}

// ListChanged returns pending proposals changed since the last digest.
func (e *Engine) ListChanged(ctx context.Context) ([]*Proposal, error) {
	e.sweep(ctx)
	return e.listPending(ctx, Filter{Statuses: []ProposalStatus{Pending}, ChangedOnly: true})
}

// MarkReported clears the changed flag. A ref with a version only clears the
// flag if the proposal was not modified since, so a signature racing with a
// digest shows up in the next one.
func (e *Engine) MarkReported(ctx context.Context, refs []ReportRef) error {
	for _, ref := range refs {
		if err := e.markReported(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) markReported(ctx context.Context, ref ReportRef) error {
	action := func(attempt uint) error {
		p, err := e.store.Get(ctx, ref.ID)
		if ErrNotFound.Is(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if !p.Changed || (ref.Version != 0 && p.Version != ref.Version) {
			return nil
		}
		next := p.Clone()
		next.Changed = false
		_, err = e.store.UpdateIfUnchanged(ctx, p.ID, p.Version, next)
		if ErrNotFound.Is(err) || (ErrConflict.Is(err) && ref.Version != 0) {
			return nil
		}
		return err
	}
	return retry.Retry(action, strategy.Limit(e.attempts()), strategy.Backoff(backoff.Linear(conflictBackoff)))
}

func (e *Engine) loadPending(ctx context.Context, id string) (*Proposal, error) {
	p, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Expired(e.now()) {
		return nil, ErrNotFound.Newf("proposal %s expired at %s", id, p.ExpiresAt.UTC().Format(time.RFC3339))
	}
	switch p.Status {
	case Finalizing:
		return nil, ErrFinalizing.Newf("proposal %s is being broadcast", id)
	case Unreconciled:
		return nil, ErrFinalizing.Newf("proposal %s awaits reconciliation", id)
	}
	return p, nil
}

func (e *Engine) listPending(ctx context.Context, filter Filter) ([]*Proposal, error) {
	ps, err := e.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := e.now()
	live := ps[:0]
	for _, p := range ps {
		if !p.Expired(now) {
			live = append(live, p)
		}
	}
	return live, nil
}

func (e *Engine) verify(ctx context.Context, proof AuthProof, signer string, expiry time.Time, challenge string) error {
	err := e.ledger.Verify(ctx, proof, signer, expiry, challenge)
	if err != nil && KindOf(err) == nil {
		return ErrProof.Wrapf(err, "verify proof of %s", signer)
	}
	return err
}

func (e *Engine) resolve(ctx context.Context, account string) (*Authority, error) {
	a, err := e.ledger.Resolve(ctx, account)
	if err != nil && KindOf(err) == nil {
		return nil, ErrAuthority.Wrapf(err, "resolve %s", account)
	}
	return a, err
}

func (e *Engine) mustExist(ctx context.Context, account string) error {
	ok, err := e.ledger.AccountExists(ctx, account)
	if err != nil {
		if KindOf(err) == nil {
			return ErrAuthority.Wrapf(err, "look up %s", account)
		}
		return err
	}
	if !ok {
		return ErrAuthority.Newf("account %s not found", account)
	}
	return nil
}

// asBroadcastError treats anything the broadcaster did not classify as an
// unknown outcome.
func asBroadcastError(err error) error {
	if KindOf(err) == ErrBroadcast {
		return err
	}
	return NewBroadcastError(Indeterminate, err)
}
