package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/multisig-wizard/coordinator/core"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// TimeLayout is how steem serializes transaction expirations, always UTC.
const TimeLayout = "2006-01-02T15:04:05"

const (
	opTransfer   = "transfer"
	opCustomJSON = "custom_json"
)

type Transaction struct {
	RefBlockNum    uint16            `json:"ref_block_num"`
	RefBlockPrefix uint32            `json:"ref_block_prefix"`
	Expiration     string            `json:"expiration"`
	Operations     []Operation       `json:"operations"`
	Extensions     []json.RawMessage `json:"extensions"`
	Signatures     []string          `json:"signatures,omitempty"`
}

func (tx *Transaction) ExpiresAt() (time.Time, error) {
	t, err := time.ParseInLocation(TimeLayout, strings.TrimSuffix(tx.Expiration, "Z"), time.UTC)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "bad expiration %q", tx.Expiration)
	}
	return t, nil
}

// Operation is the [name, body] pair steem uses on the wire.
type Operation struct {
	Name string
	Body json.RawMessage
}

func (op Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{op.Name, op.Body})
}

func (op *Operation) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("operation must be a [name, body] pair, got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &op.Name); err != nil {
		return errors.Wrap(err, "operation name")
	}
	op.Body = pair[1]
	return nil
}

type Transfer struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Memo   string `json:"memo"`
}

type CustomJSON struct {
	RequiredAuths        []string `json:"required_auths"`
	RequiredPostingAuths []string `json:"required_posting_auths"`
	ID                   string   `json:"id"`
	JSON                 string   `json:"json"`
}

type Account struct {
	Name   string    `json:"name"`
	Active Authority `json:"active"`
}

type Authority struct {
	WeightThreshold uint64      `json:"weight_threshold"`
	AccountAuths    []AuthEntry `json:"account_auths"`
	KeyAuths        []AuthEntry `json:"key_auths"`
}

// AuthEntry is an [account or key, weight] pair.
type AuthEntry struct {
	Name   string
	Weight uint64
}

func (a *AuthEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("auth entry must be a [name, weight] pair, got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &a.Name); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &a.Weight)
}

func (a AuthEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{a.Name, a.Weight})
}

type BroadcastResponse struct {
	ID       string `json:"id"`
	BlockNum uint64 `json:"block_num"`
	TrxNum   uint64 `json:"trx_num"`
	Expired  bool   `json:"expired"`
}

// DecodeTransaction turns a partially signed transfer into the payload the
// engine stores, and returns the signatures it already carries. The stored
// payload never contains signatures.
func DecodeTransaction(raw json.RawMessage) (core.Payload, []string, error) {
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return core.Payload{}, nil, core.ErrValidation.Wrap(err, "decode transaction")
	}
	if len(tx.Operations) != 1 || tx.Operations[0].Name != opTransfer {
		return core.Payload{}, nil, core.ErrValidation.New("transaction must hold exactly one transfer operation")
	}
	var transfer Transfer
	if err := json.Unmarshal(tx.Operations[0].Body, &transfer); err != nil {
		return core.Payload{}, nil, core.ErrValidation.Wrap(err, "decode transfer")
	}
	if transfer.From == "" || transfer.To == "" {
		return core.Payload{}, nil, core.ErrValidation.New("transfer needs from and to accounts")
	}
	amount, err := normalizeAmount(transfer.Amount)
	if err != nil {
		return core.Payload{}, nil, err
	}
	expiresAt, err := tx.ExpiresAt()
	if err != nil {
		return core.Payload{}, nil, core.ErrValidation.Wrap(err, "decode transaction")
	}

	signatures := tx.Signatures
	tx.Signatures = nil
	if tx.Extensions == nil {
		tx.Extensions = []json.RawMessage{}
	}
	unsigned, err := json.Marshal(tx)
	if err != nil {
		return core.Payload{}, nil, core.ErrValidation.Wrap(err, "encode transaction")
	}

	return core.Payload{
		Source:      transfer.From,
		Destination: transfer.To,
		Amount:      amount,
		Memo:        transfer.Memo,
		Expiration:  expiresAt,
		Raw:         unsigned,
	}, signatures, nil
}

// normalizeAmount checks a steem asset string such as "1.000 STEEM".
func normalizeAmount(s string) (string, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return "", core.ErrValidation.Newf("bad amount %q", s)
	}
	d, err := decimal.NewFromString(fields[0])
	if err != nil {
		return "", core.ErrValidation.Wrapf(err, "bad amount %q", s)
	}
	if !d.IsPositive() {
		return "", core.ErrValidation.Newf("amount %q must be positive", s)
	}
	return d.StringFixed(3) + " " + fields[1], nil
}
