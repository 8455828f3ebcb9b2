package ledger

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/multisig-wizard/coordinator/core"
	"github.com/multisig-wizard/coordinator/repo"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	methodGetAccounts     = "condenser_api.get_accounts"
	methodVerifyAuthority = "condenser_api.verify_authority"
	methodBroadcast       = "condenser_api.broadcast_transaction_synchronous"
)

var _ core.Ledger = (*Client)(nil)

// Client talks JSON-RPC to a steem API node. One Client is shared by the
// whole process; the underlying connection is reused across requests.
type Client struct {
	rpc              *rpc.Client
	logger           logrus.FieldLogger
	timeout          time.Duration
	broadcastTimeout time.Duration
}

// Dial connects to cfg.DialUrl, retrying up to cfg.DialRetries times with a
// fibonacci backoff.
func Dial(ctx context.Context, cfg repo.Ledger, logger logrus.FieldLogger) (*Client, error) {
	var c *rpc.Client
	action := func(attempt uint) error {
		var err error
		c, err = rpc.DialContext(ctx, cfg.DialUrl)
		if err != nil {
			logger.WithError(err).Warnf("dial %s failed (attempt %d)", cfg.DialUrl, attempt+1)
		}
		return err
	}
	if err := retry.Retry(action, strategy.Limit(cfg.DialRetries+1), strategy.Backoff(backoff.Fibonacci(time.Second))); err != nil {
		return nil, errors.Wrapf(err, "dial ledger %s", cfg.DialUrl)
	}
	return NewClient(c, cfg, logger), nil
}

func NewClient(c *rpc.Client, cfg repo.Ledger, logger logrus.FieldLogger) *Client {
	return &Client{
		rpc:              c,
		logger:           logger.WithField("module", "ledger"),
		timeout:          cfg.Timeout,
		broadcastTimeout: cfg.BroadcastTimeout,
	}
}

func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) getAccount(ctx context.Context, name string) (*Account, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var accounts []Account
	if err := c.rpc.CallContext(ctx, &accounts, methodGetAccounts, []string{name}); err != nil {
		return nil, core.ErrAuthority.Wrapf(err, "get account %s", name)
	}
	if len(accounts) == 0 || accounts[0].Name != name {
		return nil, nil
	}
	return &accounts[0], nil
}

func (c *Client) Resolve(ctx context.Context, account string) (*core.Authority, error) {
	acc, err := c.getAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, core.ErrAuthority.Newf("account %s not found", account)
	}

	a := &core.Authority{
		Account:   account,
		Threshold: acc.Active.WeightThreshold,
		Signers:   make([]core.Signer, 0, len(acc.Active.AccountAuths)),
	}
	for _, entry := range acc.Active.AccountAuths {
		a.Signers = append(a.Signers, core.Signer{Account: entry.Name, Weight: entry.Weight})
	}
	return a, nil
}

func (c *Client) AccountExists(ctx context.Context, account string) (bool, error) {
	acc, err := c.getAccount(ctx, account)
	if err != nil {
		return false, err
	}
	return acc != nil, nil
}

// authPayload is the body of the custom_json operation of an auth transaction.
type authPayload struct {
	RandomBytes string `json:"random_bytes"`
}

// Verify checks an auth transaction: a custom_json operation posted by
// signer, expiring together with the proposal and carrying the challenge.
// The node then checks the signatures.
func (c *Client) Verify(ctx context.Context, proof core.AuthProof, signer string, expiry time.Time, challenge string) error {
	var tx Transaction
	if err := json.Unmarshal(proof, &tx); err != nil {
		return core.ErrProof.Wrap(err, "decode auth transaction")
	}
	if len(tx.Operations) == 0 || tx.Operations[0].Name != opCustomJSON {
		return core.ErrProof.New("auth transaction must start with a custom_json operation")
	}
	var op CustomJSON
	if err := json.Unmarshal(tx.Operations[0].Body, &op); err != nil {
		return core.ErrProof.Wrap(err, "decode custom_json")
	}

	if len(op.RequiredPostingAuths) == 0 || op.RequiredPostingAuths[0] != signer {
		return core.ErrProof.Newf("bad authority in auth transaction, expected %s", signer)
	}
	expiresAt, err := tx.ExpiresAt()
	if err != nil {
		return core.ErrProof.Wrap(err, "auth transaction")
	}
	if !expiresAt.Equal(expiry.UTC().Truncate(time.Second)) {
		return core.ErrProof.Newf("bad expiry in auth transaction: %s", tx.Expiration)
	}
	var body authPayload
	if err := json.Unmarshal([]byte(op.JSON), &body); err != nil {
		return core.ErrProof.Wrap(err, "decode auth transaction body")
	}
	if body.RandomBytes != challenge {
		return core.ErrProof.New("body mismatch in auth transaction")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var ok bool
	if err := c.rpc.CallContext(ctx, &ok, methodVerifyAuthority, json.RawMessage(proof)); err != nil {
		return core.ErrProof.Wrap(err, "auth transaction is incorrectly signed")
	}
	if !ok {
		return core.ErrProof.New("auth transaction is incorrectly signed")
	}
	return nil
}

func (c *Client) Broadcast(ctx context.Context, payload core.Payload, signatures []string) (*core.BroadcastResult, error) {
	var tx Transaction
	if err := json.Unmarshal(payload.Raw, &tx); err != nil {
		// nothing was sent
		return nil, core.NewBroadcastError(core.Rejected, errors.Wrap(err, "decode payload"))
	}
	tx.Signatures = signatures

	ctx, cancel := context.WithTimeout(ctx, c.broadcastTimeout)
	defer cancel()

	var res BroadcastResponse
	if err := c.rpc.CallContext(ctx, &res, methodBroadcast, tx); err != nil {
		outcome := classify(err)
		c.logger.WithError(err).Warnf("broadcast failed, outcome %s", outcome)
		return nil, core.NewBroadcastError(outcome, err)
	}
	if res.Expired {
		return nil, core.NewBroadcastError(core.Rejected, errors.New("transaction expired"))
	}
	return &core.BroadcastResult{TxID: res.ID, BlockNum: res.BlockNum}, nil
}

// classify decides whether a failed broadcast may still have reached the
// chain. Only an error reply from the node, or a connection that never
// opened, proves it did not.
func classify(err error) core.BroadcastOutcome {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return core.Rejected
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return core.Rejected
	}
	return core.Indeterminate
}
