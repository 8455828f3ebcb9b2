package core_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/multisig-wizard/coordinator/core"
	"github.com/multisig-wizard/coordinator/repo"
	"github.com/multisig-wizard/coordinator/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const challenge = "5f1c0ffee"

type harness struct {
	engine *core.Engine
	ledger *core.MockLedger
	store  *storage.Store
	config *repo.Config
	expiry time.Time
}

func newHarness(t *testing.T) *harness {
	config := repo.DefaultConfig(t.TempDir())
	store, err := storage.Open(config.RepoRoot)
	require.Nil(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	ledger := core.NewMockLedger()
	ledger.SetAuthority("multi", 10,
		core.Signer{Account: "alice", Weight: 6},
		core.Signer{Account: "bob", Weight: 5},
		core.Signer{Account: "carl", Weight: 3},
		core.Signer{Account: "dora", Weight: 2},
	)
	ledger.AddAccount("carol")

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	return &harness{
		engine: core.NewEngine(config, store, ledger, logger),
		ledger: ledger,
		store:  store,
		config: config,
		expiry: time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
}

func (h *harness) payload(expiry time.Time) core.Payload {
	return core.Payload{
		Source:      "multi",
		Destination: "carol",
		Amount:      "1.000 STEEM",
		Expiration:  expiry,
		Raw:         []byte(`{"operations":[["transfer",{}]]}`),
	}
}

func (h *harness) createAt(proposer string, expiry time.Time) (*core.CreateResult, error) {
	return h.engine.CreateProposal(context.Background(), &core.CreateRequest{
		Payload:    h.payload(expiry),
		Proposer:   proposer,
		Proof:      core.MockProof(proposer, expiry, challenge),
		Challenge:  challenge,
		Signatures: []string{"sig-" + proposer},
	})
}

func (h *harness) create(proposer string) (*core.CreateResult, error) {
	return h.createAt(proposer, h.expiry)
}

func (h *harness) sign(id, signer string) (*core.SignResult, error) {
	return h.engine.AddSignature(context.Background(), &core.SignRequest{
		ProposalID: id,
		Signer:     signer,
		Proof:      core.MockProof(signer, h.expiry, challenge),
		Challenge:  challenge,
		Signatures: []string{"sig-" + signer},
	})
}

func (h *harness) stored(t *testing.T, id string) *core.Proposal {
	p, err := h.store.Get(context.Background(), id)
	require.Nil(t, err)
	return p
}

func assertWeightInvariant(t *testing.T, p *core.Proposal) {
	var sum uint64
	seen := make(map[string]bool)
	for _, s := range p.SignedBy {
		assert.False(t, seen[s.Account], "duplicate signer %s", s.Account)
		seen[s.Account] = true
		sum += s.Weight
	}
	assert.Equal(t, sum, p.SignedWeight)
	if p.Status == core.Pending {
		assert.Less(t, p.SignedWeight, p.WeightThreshold)
	}
}

func TestThresholdCrossingCompletes(t *testing.T) {
	h := newHarness(t)

	created, err := h.create("alice")
	require.Nil(t, err)
	assert.False(t, created.Completed)
	assert.EqualValues(t, 6, created.Weight)
	assert.EqualValues(t, 10, created.Threshold)

	p := h.stored(t, created.ID)
	assert.Equal(t, core.Pending, p.Status)
	assert.True(t, p.Changed)
	assert.Equal(t, []string{"alice"}, p.Signers())
	assertWeightInvariant(t, p)

	res, err := h.sign(created.ID, "bob")
	require.Nil(t, err)
	assert.True(t, res.Completed)
	assert.EqualValues(t, 11, res.Weight)
	assert.Equal(t, 1, h.ledger.BroadcastCount())

	list, err := h.engine.ListProposals(context.Background(), "multi")
	require.Nil(t, err)
	assert.Empty(t, list)

	_, err = h.sign(created.ID, "carl")
	assert.True(t, core.ErrNotFound.Is(err))
	assert.Equal(t, 1, h.ledger.BroadcastCount())
}

func TestBroadcastCarriesAllSignatures(t *testing.T) {
	h := newHarness(t)
	var got []string
	h.ledger.BroadcastFunc = func(payload core.Payload, signatures []string) (*core.BroadcastResult, error) {
		got = signatures
		return &core.BroadcastResult{BlockNum: 1}, nil
	}

	created, err := h.create("carl")
	require.Nil(t, err)
	_, err = h.sign(created.ID, "dora")
	require.Nil(t, err)
	res, err := h.sign(created.ID, "alice")
	require.Nil(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, []string{"sig-carl", "sig-dora", "sig-alice"}, got)
}

func TestAlreadySigned(t *testing.T) {
	h := newHarness(t)

	created, err := h.create("alice")
	require.Nil(t, err)
	res, err := h.sign(created.ID, "carl")
	require.Nil(t, err)
	assert.False(t, res.Completed)
	assert.EqualValues(t, 9, res.Weight)
	before := h.stored(t, created.ID)

	_, err = h.sign(created.ID, "carl")
	assert.True(t, core.ErrAlreadySigned.Is(err))
	_, err = h.sign(created.ID, "alice")
	assert.True(t, core.ErrAlreadySigned.Is(err))

	after := h.stored(t, created.ID)
	assert.Equal(t, before, after)
	assert.EqualValues(t, 9, after.SignedWeight)
	assertWeightInvariant(t, after)
}

func TestExpiredProposalIsReaped(t *testing.T) {
	h := newHarness(t)
	past := time.Now().Add(-time.Second).UTC().Truncate(time.Second)

	created, err := h.createAt("alice", past)
	require.Nil(t, err)

	_, err = h.engine.AddSignature(context.Background(), &core.SignRequest{
		ProposalID: created.ID,
		Signer:     "bob",
		Proof:      core.MockProof("bob", past, challenge),
		Challenge:  challenge,
	})
	assert.True(t, core.ErrNotFound.Is(err))

	_, err = h.store.Get(context.Background(), created.ID)
	assert.True(t, core.ErrNotFound.Is(err))
	assert.Equal(t, 0, h.ledger.BroadcastCount())
}

func TestExpiryFollowsClock(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	clock := now
	var mu sync.Mutex
	h.engine = core.NewEngine(h.config, h.store, h.ledger, logrus.New(), core.WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}))

	created, err := h.create("alice")
	require.Nil(t, err)

	mu.Lock()
	clock = h.expiry.Add(time.Second)
	mu.Unlock()

	_, err = h.engine.Get(context.Background(), created.ID)
	assert.True(t, core.ErrNotFound.Is(err))
	list, err := h.engine.ListProposals(context.Background(), "multi")
	require.Nil(t, err)
	assert.Empty(t, list)
}

func TestSingleSignerFinalizesImmediately(t *testing.T) {
	h := newHarness(t)
	reg := prometheus.NewRegistry()
	h.engine = core.NewEngine(h.config, h.store, h.ledger, logrus.New(), core.WithMetrics(core.NewMetrics(reg)))
	h.ledger.SetAuthority("solo", 5, core.Signer{Account: "alice", Weight: 5})

	payload := h.payload(h.expiry)
	payload.Source = "solo"
	res, err := h.engine.CreateProposal(context.Background(), &core.CreateRequest{
		Payload:   payload,
		Proposer:  "alice",
		Proof:     core.MockProof("alice", h.expiry, challenge),
		Challenge: challenge,
	})
	require.Nil(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, 1, h.ledger.BroadcastCount())

	all, err := h.store.List(context.Background(), core.Filter{})
	require.Nil(t, err)
	assert.Empty(t, all)

	_, err = h.create("alice")
	require.Nil(t, err)

	expected := `
# HELP multisig_engine_finalizations_total number of broadcast attempts by outcome
# TYPE multisig_engine_finalizations_total counter
multisig_engine_finalizations_total{outcome="completed"} 1
# HELP multisig_engine_proposals_created_total number of proposals accepted, including ones broadcast at creation
# TYPE multisig_engine_proposals_created_total counter
multisig_engine_proposals_created_total 2
`
	assert.Nil(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"multisig_engine_proposals_created_total", "multisig_engine_finalizations_total"))
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// proof bound to another challenge
	_, err := h.engine.CreateProposal(ctx, &core.CreateRequest{
		Payload:   h.payload(h.expiry),
		Proposer:  "alice",
		Proof:     core.MockProof("alice", h.expiry, "other"),
		Challenge: challenge,
	})
	assert.True(t, core.ErrProof.Is(err))

	// proof with another expiry
	_, err = h.engine.CreateProposal(ctx, &core.CreateRequest{
		Payload:   h.payload(h.expiry),
		Proposer:  "alice",
		Proof:     core.MockProof("alice", h.expiry.Add(time.Minute), challenge),
		Challenge: challenge,
	})
	assert.True(t, core.ErrProof.Is(err))

	h.ledger.AddAccount("eve")
	_, err = h.create("eve")
	assert.True(t, core.ErrNotAuthorized.Is(err))

	payload := h.payload(h.expiry)
	payload.Source = "unknown"
	_, err = h.engine.CreateProposal(ctx, &core.CreateRequest{
		Payload:   payload,
		Proposer:  "alice",
		Proof:     core.MockProof("alice", h.expiry, challenge),
		Challenge: challenge,
	})
	assert.True(t, core.ErrAuthority.Is(err))

	payload = h.payload(h.expiry)
	payload.Destination = "ghost"
	_, err = h.engine.CreateProposal(ctx, &core.CreateRequest{
		Payload:   payload,
		Proposer:  "alice",
		Proof:     core.MockProof("alice", h.expiry, challenge),
		Challenge: challenge,
	})
	assert.True(t, core.ErrAuthority.Is(err))

	_, err = h.engine.CreateProposal(ctx, &core.CreateRequest{Payload: h.payload(h.expiry), Proposer: "alice"})
	assert.True(t, core.ErrValidation.Is(err))

	all, err := h.store.List(ctx, core.Filter{})
	require.Nil(t, err)
	assert.Empty(t, all)
}

func TestSignValidation(t *testing.T) {
	h := newHarness(t)
	created, err := h.create("alice")
	require.Nil(t, err)
	ctx := context.Background()

	h.ledger.AddAccount("eve")
	_, err = h.engine.AddSignature(ctx, &core.SignRequest{
		ProposalID: created.ID,
		Signer:     "eve",
		Proof:      core.MockProof("eve", h.expiry, challenge),
		Challenge:  challenge,
	})
	assert.True(t, core.ErrNotAuthorized.Is(err))

	_, err = h.engine.AddSignature(ctx, &core.SignRequest{
		ProposalID: created.ID,
		Signer:     "bob",
		Proof:      core.MockProof("alice", h.expiry, challenge),
		Challenge:  challenge,
	})
	assert.True(t, core.ErrProof.Is(err))

	_, err = h.sign("no-such-id", "bob")
	assert.True(t, core.ErrNotFound.Is(err))

	p := h.stored(t, created.ID)
	assert.Equal(t, []string{"alice"}, p.Signers())
	assert.Equal(t, 0, h.ledger.BroadcastCount())
}

func TestThresholdSnapshotAndLiveWeights(t *testing.T) {
	h := newHarness(t)
	created, err := h.create("alice")
	require.Nil(t, err)

	// the account raises its threshold and bob's weight after creation
	h.ledger.SetAuthority("multi", 100,
		core.Signer{Account: "alice", Weight: 6},
		core.Signer{Account: "bob", Weight: 2},
		core.Signer{Account: "carl", Weight: 3},
	)

	res, err := h.sign(created.ID, "bob")
	require.Nil(t, err)
	assert.False(t, res.Completed)
	assert.EqualValues(t, 8, res.Weight)
	assert.EqualValues(t, 10, res.Threshold)

	res, err = h.sign(created.ID, "carl")
	require.Nil(t, err)
	assert.True(t, res.Completed)
	assert.EqualValues(t, 11, res.Weight)
}

func TestRejectedBroadcastLeavesProposalUntouched(t *testing.T) {
	h := newHarness(t)
	created, err := h.create("alice")
	require.Nil(t, err)
	before := h.stored(t, created.ID)

	h.ledger.BroadcastFunc = func(core.Payload, []string) (*core.BroadcastResult, error) {
		return nil, core.NewBroadcastError(core.Rejected, errors.New("missing required active authority"))
	}
	_, err = h.sign(created.ID, "bob")
	require.NotNil(t, err)
	assert.True(t, core.ErrBroadcast.Is(err))
	assert.False(t, core.IsIndeterminate(err))

	after := h.stored(t, created.ID)
	assert.Equal(t, core.Pending, after.Status)
	assert.Nil(t, after.Claim)
	assert.Equal(t, before.SignedBy, after.SignedBy)
	assert.Equal(t, before.SignedWeight, after.SignedWeight)
	assertWeightInvariant(t, after)

	// the same signer retries once the ledger accepts
	h.ledger.BroadcastFunc = nil
	res, err := h.sign(created.ID, "bob")
	require.Nil(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, 2, h.ledger.BroadcastCount())
}

func TestIndeterminateBroadcastNeedsReconciliation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.create("alice")
	require.Nil(t, err)

	h.ledger.BroadcastFunc = func(core.Payload, []string) (*core.BroadcastResult, error) {
		return nil, context.DeadlineExceeded
	}
	_, err = h.sign(created.ID, "bob")
	require.NotNil(t, err)
	assert.True(t, core.IsIndeterminate(err))

	p := h.stored(t, created.ID)
	assert.Equal(t, core.Unreconciled, p.Status)
	require.NotNil(t, p.Claim)
	assert.Equal(t, "bob", p.Claim.Account)
	assertWeightInvariant(t, p)

	// neither signable nor listed, only visible to reconciliation
	h.ledger.BroadcastFunc = nil
	_, err = h.sign(created.ID, "carl")
	assert.True(t, core.ErrFinalizing.Is(err))
	list, err := h.engine.ListProposals(ctx, "multi")
	require.Nil(t, err)
	assert.Empty(t, list)
	stuck, err := h.engine.ListUnreconciled(ctx)
	require.Nil(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, created.ID, stuck[0].ID)

	// the operator found it was not executed: signing resumes
	require.Nil(t, h.engine.Reconcile(ctx, created.ID, core.ReconcileFailed))
	p = h.stored(t, created.ID)
	assert.Equal(t, core.Pending, p.Status)
	assert.Nil(t, p.Claim)
	assert.Equal(t, []string{"alice"}, p.Signers())

	res, err := h.sign(created.ID, "bob")
	require.Nil(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, 2, h.ledger.BroadcastCount())
}

func TestReconcileCompleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.create("alice")
	require.Nil(t, err)

	assert.True(t, core.ErrValidation.Is(h.engine.Reconcile(ctx, created.ID, core.ReconcileCompleted)))

	h.ledger.BroadcastFunc = func(core.Payload, []string) (*core.BroadcastResult, error) {
		return nil, core.NewBroadcastError(core.Indeterminate, errors.New("connection reset"))
	}
	_, err = h.sign(created.ID, "bob")
	require.True(t, core.IsIndeterminate(err))

	require.Nil(t, h.engine.Reconcile(ctx, created.ID, core.ReconcileCompleted))
	_, err = h.store.Get(ctx, created.ID)
	assert.True(t, core.ErrNotFound.Is(err))
}

func TestIndeterminateOnCreateIsRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ledger.SetAuthority("solo", 5, core.Signer{Account: "alice", Weight: 5})
	h.ledger.BroadcastFunc = func(core.Payload, []string) (*core.BroadcastResult, error) {
		return nil, context.DeadlineExceeded
	}

	payload := h.payload(h.expiry)
	payload.Source = "solo"
	_, err := h.engine.CreateProposal(ctx, &core.CreateRequest{
		Payload:   payload,
		Proposer:  "alice",
		Proof:     core.MockProof("alice", h.expiry, challenge),
		Challenge: challenge,
	})
	require.True(t, core.IsIndeterminate(err))

	stuck, err := h.engine.ListUnreconciled(ctx)
	require.Nil(t, err)
	require.Len(t, stuck, 1)

	// there is nothing to resume, so a failed outcome drops it
	require.Nil(t, h.engine.Reconcile(ctx, stuck[0].ID, core.ReconcileFailed))
	all, err := h.store.List(ctx, core.Filter{})
	require.Nil(t, err)
	assert.Empty(t, all)
}

func TestConcurrentSignersNoLostUpdate(t *testing.T) {
	h := newHarness(t)
	h.ledger.SetAuthority("multi", 20,
		core.Signer{Account: "alice", Weight: 6},
		core.Signer{Account: "bob", Weight: 5},
		core.Signer{Account: "carl", Weight: 3},
	)
	created, err := h.create("alice")
	require.Nil(t, err)

	var wg sync.WaitGroup
	for _, signer := range []string{"bob", "carl"} {
		wg.Add(1)
		go func(signer string) {
			defer wg.Done()
			res, err := h.sign(created.ID, signer)
			assert.Nil(t, err)
			if res != nil {
				assert.False(t, res.Completed)
			}
		}(signer)
	}
	wg.Wait()

	p := h.stored(t, created.ID)
	assert.EqualValues(t, 14, p.SignedWeight)
	assert.ElementsMatch(t, []string{"alice", "bob", "carl"}, p.Signers())
	assertWeightInvariant(t, p)
}

func TestZeroConflictRetriesStillApplies(t *testing.T) {
	h := newHarness(t)
	h.config.Engine.MaxConflictRetries = 0
	h.engine = core.NewEngine(h.config, h.store, h.ledger, logrus.New())
	ctx := context.Background()

	created, err := h.create("alice")
	require.Nil(t, err)

	res, err := h.sign(created.ID, "carl")
	require.Nil(t, err)
	require.NotNil(t, res)
	assert.EqualValues(t, 9, res.Weight)
	assert.Equal(t, []string{"alice", "carl"}, h.stored(t, created.ID).Signers())

	require.Nil(t, h.engine.MarkReported(ctx, []core.ReportRef{{ID: created.ID}}))
	assert.False(t, h.stored(t, created.ID).Changed)

	require.Nil(t, h.engine.Cancel(ctx, created.ID, "alice"))
	_, err = h.store.Get(ctx, created.ID)
	assert.True(t, core.ErrNotFound.Is(err))
}

func TestManyConcurrentSigners(t *testing.T) {
	h := newHarness(t)
	h.config.Engine.MaxConflictRetries = 20
	h.engine = core.NewEngine(h.config, h.store, h.ledger, logrus.New())

	signers := []core.Signer{{Account: "alice", Weight: 1}}
	names := []string{"s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8"}
	for i, n := range names {
		signers = append(signers, core.Signer{Account: n, Weight: uint64(i + 1)})
	}
	h.ledger.SetAuthority("multi", 1000, signers...)

	created, err := h.create("alice")
	require.Nil(t, err)

	var wg sync.WaitGroup
	for _, n := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			_, err := h.sign(created.ID, n)
			assert.Nil(t, err)
		}(n)
	}
	wg.Wait()

	p := h.stored(t, created.ID)
	assert.EqualValues(t, 1+36, p.SignedWeight)
	assert.Len(t, p.SignedBy, 9)
	assertWeightInvariant(t, p)
}

func TestConcurrentThresholdCrossingBroadcastsOnce(t *testing.T) {
	h := newHarness(t)
	h.ledger.BroadcastDelay = 20 * time.Millisecond
	created, err := h.create("alice")
	require.Nil(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.sign(created.ID, "bob")
			if err != nil {
				kind := core.KindOf(err)
				assert.True(t, kind == core.ErrNotFound || kind == core.ErrFinalizing, "unexpected error %v", err)
				return
			}
			assert.True(t, res.Completed)
			mu.Lock()
			completed++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, h.ledger.BroadcastCount())
	_, err = h.store.Get(context.Background(), created.ID)
	assert.True(t, core.ErrNotFound.Is(err))
}

func TestListProposals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, err := h.create("alice")
	require.Nil(t, err)
	second, err := h.create("carl")
	require.Nil(t, err)
	_, err = h.sign(second.ID, "dora")
	require.Nil(t, err)

	list, err := h.engine.ListProposals(ctx, "multi")
	require.Nil(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
	assert.Equal(t, "carol", list[1].Destination)
	assert.Equal(t, "1.000 STEEM", list[1].Amount)
	assert.Equal(t, []string{"carl", "dora"}, list[1].SignedBy)
	assert.EqualValues(t, 5, list[1].WeightSigned)
	assert.EqualValues(t, 10, list[1].WeightThreshold)
	assert.True(t, h.expiry.Equal(list[1].ExpiresAt))

	other, err := h.engine.ListProposals(ctx, "someone-else")
	require.Nil(t, err)
	assert.Empty(t, other)
}

func TestChangedFlagAndMarkReported(t *testing.T) {
	h := newHarness(t)
	h.ledger.SetAuthority("multi", 100,
		core.Signer{Account: "alice", Weight: 6},
		core.Signer{Account: "carl", Weight: 3},
		core.Signer{Account: "dora", Weight: 2},
	)
	ctx := context.Background()
	created, err := h.create("alice")
	require.Nil(t, err)

	changed, err := h.engine.ListChanged(ctx)
	require.Nil(t, err)
	require.Len(t, changed, 1)
	seen := changed[0]

	// a signature lands between listing and marking
	_, err = h.sign(created.ID, "dora")
	require.Nil(t, err)

	require.Nil(t, h.engine.MarkReported(ctx, []core.ReportRef{{ID: seen.ID, Version: seen.Version}}))
	assert.True(t, h.stored(t, created.ID).Changed)

	require.Nil(t, h.engine.MarkReported(ctx, []core.ReportRef{{ID: created.ID}}))
	assert.False(t, h.stored(t, created.ID).Changed)
	changed, err = h.engine.ListChanged(ctx)
	require.Nil(t, err)
	assert.Empty(t, changed)

	// every mutation sets it again
	_, err = h.sign(created.ID, "carl")
	require.Nil(t, err)
	assert.True(t, h.stored(t, created.ID).Changed)

	// unknown ids are ignored
	assert.Nil(t, h.engine.MarkReported(ctx, []core.ReportRef{{ID: "gone"}}))
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.create("alice")
	require.Nil(t, err)

	assert.True(t, core.ErrNotAuthorized.Is(h.engine.Cancel(ctx, created.ID, "bob")))
	require.Nil(t, h.engine.Cancel(ctx, created.ID, "alice"))
	_, err = h.sign(created.ID, "bob")
	assert.True(t, core.ErrNotFound.Is(err))
}
