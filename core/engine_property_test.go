package core_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/multisig-wizard/coordinator/core"
	"github.com/multisig-wizard/coordinator/repo"
	"github.com/multisig-wizard/coordinator/storage"
	"github.com/sirupsen/logrus"
)

// Signing in sequence keeps the stored weight equal to the sum of the
// signer weights, and finalizes exactly once, on the signature crossing the
// threshold.
func TestSignedWeightProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	properties.Property("signed weight is the sum of signer weights", prop.ForAll(
		func(weights []uint64, threshold uint64) bool {
			if len(weights) == 0 {
				return true
			}
			ctx := context.Background()
			config := repo.DefaultConfig(t.TempDir())
			store, err := storage.Open(config.RepoRoot)
			if err != nil {
				return false
			}
			defer store.Close()

			ledger := core.NewMockLedger()
			signers := make([]core.Signer, len(weights))
			for i, w := range weights {
				signers[i] = core.Signer{Account: fmt.Sprintf("s%d", i), Weight: w}
			}
			ledger.SetAuthority("multi", threshold, signers...)
			ledger.AddAccount("carol")
			engine := core.NewEngine(config, store, ledger, logger)

			expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
			created, err := engine.CreateProposal(ctx, &core.CreateRequest{
				Payload:   core.Payload{Source: "multi", Destination: "carol", Amount: "1.000 STEEM", Expiration: expiry},
				Proposer:  "s0",
				Proof:     core.MockProof("s0", expiry, challenge),
				Challenge: challenge,
			})
			if err != nil {
				return false
			}

			sum := weights[0]
			completed := created.Completed
			if completed != (sum >= threshold) {
				return false
			}
			for i := 1; i < len(weights) && !completed; i++ {
				signer := signers[i].Account
				res, err := engine.AddSignature(ctx, &core.SignRequest{
					ProposalID: created.ID,
					Signer:     signer,
					Proof:      core.MockProof(signer, expiry, challenge),
					Challenge:  challenge,
				})
				if err != nil {
					return false
				}
				sum += weights[i]
				if res.Weight != sum || res.Completed != (sum >= threshold) {
					return false
				}
				completed = res.Completed
				if completed {
					break
				}
				p, err := store.Get(ctx, created.ID)
				if err != nil || p.SignedWeight != sum || len(p.SignedBy) != i+1 {
					return false
				}
			}

			if completed {
				return ledger.BroadcastCount() == 1
			}
			return ledger.BroadcastCount() == 0
		},
		gen.SliceOf(gen.UInt64Range(1, 10)),
		gen.UInt64Range(1, 60),
	))

	properties.TestingRun(t)
}
