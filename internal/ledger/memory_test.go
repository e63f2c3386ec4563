package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "CrossChain-Escrow/internal/errors"
	"CrossChain-Escrow/internal/swap"
)

func TestMemoryClockAndJournal(t *testing.T) {
	ctx := context.Background()
	l := NewMemory(1_000)
	l.Advance(90 * time.Minute)

	now, err := l.CurrentTime(ctx)
	if err != nil || now != 1_000+5_400 {
		t.Fatalf("unexpected time %d (%v)", now, err)
	}

	if err := l.Transfer(ctx, "taker.near", swap.NewAmount(60)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := l.Transfer(ctx, "taker.near", swap.NewAmount(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if l.Balance("taker.near").Cmp(swap.NewAmount(100)) != 0 {
		t.Fatalf("unexpected balance %s", l.Balance("taker.near"))
	}
	journal := l.Transfers()
	if len(journal) != 2 || journal[0].Reference == journal[1].Reference || journal[1].At != now {
		t.Fatalf("unexpected journal %+v", journal)
	}
}

func TestMemoryFailNextTransfer(t *testing.T) {
	ctx := context.Background()
	l := NewMemory(1)
	l.FailNextTransfer(errors.New("insufficient liquidity"))

	err := l.Transfer(ctx, "maker.near", swap.NewAmount(1))
	if xerrors.CodeOf(err) != xerrors.CodeLedgerFailure {
		t.Fatalf("expected ledger failure, got %v", err)
	}
	if err := l.Transfer(ctx, "maker.near", swap.NewAmount(1)); err != nil {
		t.Fatalf("failure must only apply once: %v", err)
	}
	if len(l.Transfers()) != 1 {
		t.Fatalf("failed transfer must not be journaled")
	}
}

func TestCallerTravelsInContext(t *testing.T) {
	l := NewMemory(1)
	ctx := WithCaller(context.Background(), " owner.near ")
	ctx = WithAttachedDeposit(ctx, swap.NewAmount(5))

	caller, err := l.CallerIdentity(ctx)
	if err != nil || caller != "owner.near" {
		t.Fatalf("unexpected caller %q (%v)", caller, err)
	}
	if AttachedDeposit(ctx).Cmp(swap.NewAmount(5)) != 0 {
		t.Fatalf("deposit lost")
	}
	if got, _ := l.CallerIdentity(context.Background()); got != "" {
		t.Fatalf("anonymous context must yield empty caller, got %q", got)
	}
}
