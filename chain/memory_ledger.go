package chain

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// MemoryLedger is an in-process token ledger. It is used by the default
// container wiring and by tests.
type MemoryLedger struct {
	mu        sync.Mutex
	pool      string
	balances  map[string]int64
	receipts  map[string]Receipt
	supply    int64
	seq       int64
	failNext  []error
	transfers int
}

// NewMemoryLedger funds poolAccount with genesis units.
func NewMemoryLedger(poolAccount string, genesis int64) *MemoryLedger {
	return &MemoryLedger{
		pool:     poolAccount,
		balances: map[string]int64{poolAccount: genesis},
		receipts: make(map[string]Receipt),
		supply:   genesis,
	}
}

// Transfer applies every leg atomically.
func (l *MemoryLedger) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if err := req.validate(); err != nil {
		return Receipt{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.failNext) > 0 {
		err := l.failNext[0]
		l.failNext = l.failNext[1:]
		return Receipt{}, err
	}
	if r, ok := l.receipts[req.IdempotencyKey]; ok {
		r.Replayed = true
		return r, nil
	}

	total := req.Total()
	switch req.Source {
	case SourcePool:
		if l.balances[l.pool] < total {
			return Receipt{}, fmt.Errorf("%w: pool has %d, need %d", ErrInsufficientFunds, l.balances[l.pool], total)
		}
		l.balances[l.pool] -= total
	case SourceMint:
		l.supply += total
	}
	for _, leg := range req.Legs {
		l.balances[leg.To] += leg.Amount
	}

	l.seq++
	l.transfers++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", req.IdempotencyKey, l.seq)))
	r := Receipt{TxRef: base58.Encode(sum[:]), Seq: l.seq, At: time.Now().UTC()}
	l.receipts[req.IdempotencyKey] = r
	return r, nil
}

// FailNext makes the next len(errs) transfers fail with the given errors
// before touching any balance.
func (l *MemoryLedger) FailNext(errs ...error) {
	l.mu.Lock()
	l.failNext = append(l.failNext, errs...)
	l.mu.Unlock()
}

// Balance returns the balance of account.
func (l *MemoryLedger) Balance(account string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

// Supply returns total units in existence.
func (l *MemoryLedger) Supply() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.supply
}

// Transfers returns how many transfers moved funds.
func (l *MemoryLedger) Transfers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfers
}
