package core

import (
	"context"
	"sync"
	"time"
)

type AuthorityResolver interface {
	// Resolve returns the live signer set of account, ErrAuthority if the
	// account is unknown.
	Resolve(ctx context.Context, account string) (*Authority, error)

	AccountExists(ctx context.Context, account string) (bool, error)
}

type AuthProofVerifier interface {
	// Verify checks that proof is signed by expectedSigner and carries
	// expectedExpiry and expectedChallenge. Failures are ErrProof.
	Verify(ctx context.Context, proof AuthProof, expectedSigner string, expectedExpiry time.Time, expectedChallenge string) error
}

type Broadcaster interface {
	// Broadcast submits payload with the collected signatures. Failures are
	// *BroadcastError.
	Broadcast(ctx context.Context, payload Payload, signatures []string) (*BroadcastResult, error)
}

// Ledger is everything the engine needs from the external ledger.
type Ledger interface {
	AuthorityResolver
	AuthProofVerifier
	Broadcaster
}

var _ Ledger = (*MockLedger)(nil)

// MockLedger is an in-memory ledger for tests and dry runs.
type MockLedger struct {
	mu sync.Mutex

	Authorities map[string]*Authority
	Accounts    map[string]bool

	// VerifyFunc overrides the default proof check, which accepts a proof
	// whose bytes equal MockProof(signer, expiry, challenge).
	VerifyFunc func(proof AuthProof, signer string, expiry time.Time, challenge string) error

	// BroadcastFunc overrides the default successful broadcast.
	BroadcastFunc func(payload Payload, signatures []string) (*BroadcastResult, error)

	// BroadcastDelay stretches every broadcast, to widen race windows in tests.
	BroadcastDelay time.Duration

	Broadcasts []Payload
	Resolves   int
}

func NewMockLedger() *MockLedger {
	return &MockLedger{
		Authorities: make(map[string]*Authority),
		Accounts:    make(map[string]bool),
	}
}

// SetAuthority installs the signer set of account and marks every involved
// account as existing.
func (m *MockLedger) SetAuthority(account string, threshold uint64, signers ...Signer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Authorities[account] = &Authority{Account: account, Signers: signers, Threshold: threshold}
	m.Accounts[account] = true
	for _, s := range signers {
		m.Accounts[s.Account] = true
	}
}

func (m *MockLedger) AddAccount(account string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Accounts[account] = true
}

func (m *MockLedger) Resolve(ctx context.Context, account string) (*Authority, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Resolves++
	a, ok := m.Authorities[account]
	if !ok {
		return nil, ErrAuthority.Newf("account %s not found", account)
	}
	cp := *a
	cp.Signers = append([]Signer(nil), a.Signers...)
	return &cp, nil
}

func (m *MockLedger) AccountExists(ctx context.Context, account string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Accounts[account], nil
}

func (m *MockLedger) Verify(ctx context.Context, proof AuthProof, signer string, expiry time.Time, challenge string) error {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(proof, signer, expiry, challenge)
	}
	if string(proof) != string(MockProof(signer, expiry, challenge)) {
		return ErrProof.Newf("proof does not match signer %s", signer)
	}
	return nil
}

func (m *MockLedger) Broadcast(ctx context.Context, payload Payload, signatures []string) (*BroadcastResult, error) {
	if m.BroadcastDelay > 0 {
		time.Sleep(m.BroadcastDelay)
	}
	m.mu.Lock()
	m.Broadcasts = append(m.Broadcasts, payload)
	n := len(m.Broadcasts)
	fn := m.BroadcastFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(payload, signatures)
	}
	return &BroadcastResult{TxID: "mock", BlockNum: uint64(n)}, nil
}

func (m *MockLedger) BroadcastCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Broadcasts)
}

// MockProof is the proof MockLedger accepts by default.
func MockProof(signer string, expiry time.Time, challenge string) AuthProof {
	return AuthProof(signer + "|" + expiry.UTC().Format(time.RFC3339) + "|" + challenge)
}
