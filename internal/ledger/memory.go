package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "CrossChain-Escrow/internal/errors"
	"CrossChain-Escrow/internal/swap"
)

// Transfer is one payment requested through the memory ledger.
type Transfer struct {
	Reference string
	To        swap.Principal
	Amount    swap.Amount
	At        swap.Timestamp
}

// Memory is an in-process ledger with a settable clock.
type Memory struct {
	mu        sync.Mutex
	now       swap.Timestamp
	useWall   bool
	transfers []Transfer
	balances  map[swap.Principal]swap.Amount
	failNext  error
}

// NewMemory returns a ledger whose clock starts at now. A zero start follows
// the wall clock until SetTime is called.
func NewMemory(now swap.Timestamp) *Memory {
	return &Memory{
		now:      now,
		useWall:  now == 0,
		balances: make(map[swap.Principal]swap.Amount),
	}
}

// CurrentTime implements Ledger.
func (m *Memory) CurrentTime(ctx context.Context) (swap.Timestamp, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.useWall {
		return swap.Timestamp(time.Now().Unix()), nil
	}
	return m.now, nil
}

// CallerIdentity implements Ledger using the principal stored by WithCaller.
func (m *Memory) CallerIdentity(ctx context.Context) (swap.Principal, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return CallerFromContext(ctx), nil
}

// Transfer implements Ledger. Every call is journaled with a fresh reference.
func (m *Memory) Transfer(ctx context.Context, to swap.Principal, amount swap.Amount) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "transfer rejected")
	}
	balance, err := m.balances[to].Add(amount)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "credit recipient")
	}
	m.balances[to] = balance
	at := m.now
	if m.useWall {
		at = swap.Timestamp(time.Now().Unix())
	}
	m.transfers = append(m.transfers, Transfer{
		Reference: uuid.NewString(),
		To:        to,
		Amount:    amount,
		At:        at,
	})
	return nil
}

// SetTime pins the clock.
func (m *Memory) SetTime(ts swap.Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = ts
	m.useWall = false
}

// Advance moves a pinned clock forward.
func (m *Memory) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.useWall {
		m.now = swap.Timestamp(time.Now().Unix())
		m.useWall = false
	}
	m.now += swap.Timestamp(d / time.Second)
}

// FailNextTransfer makes the next Transfer call fail with err.
func (m *Memory) FailNextTransfer(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Transfers returns a copy of the transfer journal.
func (m *Memory) Transfers() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transfer, len(m.transfers))
	copy(out, m.transfers)
	return out
}

// Balance returns the total credited to a principal.
func (m *Memory) Balance(p swap.Principal) swap.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[p]
}
