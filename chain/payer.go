// Package chain is the seam between settlement and the token ledger that
// actually moves funds.
package chain

import (
	"context"
	"time"
)

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

var (
	ErrInvalidTransfer   = Err("invalid transfer request")
	ErrInsufficientFunds = Err("insufficient funds in source account")
	ErrUnavailable       = Err("token ledger unavailable")
)

// Source names where the funds for a transfer come from.
type Source string

const (
	SourcePool Source = "genesis" // pre-funded pool account
	SourceMint Source = "mint"    // newly minted supply
)

// Leg kinds of a settlement transfer.
const (
	LegWorker      = "worker"
	LegTreasuryFee = "treasury_fee"
	LegFounderFee  = "founder_fee"
)

// Leg is one credit within a transfer.
type Leg struct {
	Kind   string `json:"kind"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

// TransferRequest moves funds to every leg or to none of them.
// IdempotencyKey makes resubmission safe: a key that already succeeded
// returns its original receipt without moving funds again.
type TransferRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Source         Source `json:"source"`
	Legs           []Leg  `json:"legs"`
}

// Total is the sum of all legs.
func (r TransferRequest) Total() int64 {
	var total int64
	for _, l := range r.Legs {
		total += l.Amount
	}
	return total
}

func (r TransferRequest) validate() error {
	if r.IdempotencyKey == "" || len(r.Legs) == 0 {
		return ErrInvalidTransfer
	}
	if r.Source != SourcePool && r.Source != SourceMint {
		return ErrInvalidTransfer
	}
	for _, l := range r.Legs {
		if l.To == "" || l.Amount < 0 {
			return ErrInvalidTransfer
		}
	}
	return nil
}

// Receipt confirms a transfer.
type Receipt struct {
	TxRef    string    `json:"tx_ref"`
	Seq      int64     `json:"seq"`
	Replayed bool      `json:"replayed"`
	At       time.Time `json:"at"`
}

// Payer executes transfers against a token ledger.
type Payer interface {
	Transfer(ctx context.Context, req TransferRequest) (Receipt, error)
}
