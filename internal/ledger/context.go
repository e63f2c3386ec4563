package ledger

import (
	"context"
	"strings"

	"CrossChain-Escrow/internal/swap"
)

type callerKey struct{}

type depositKey struct{}

// WithCaller stores the calling principal in the context.
func WithCaller(ctx context.Context, caller swap.Principal) context.Context {
	caller = swap.Principal(strings.TrimSpace(string(caller)))
	if caller == "" {
		return ctx
	}
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the calling principal, or "" when none was set.
func CallerFromContext(ctx context.Context) swap.Principal {
	if ctx == nil {
		return ""
	}
	if caller, ok := ctx.Value(callerKey{}).(swap.Principal); ok {
		return caller
	}
	return ""
}

// WithAttachedDeposit records value attached to the current call.
func WithAttachedDeposit(ctx context.Context, deposit swap.Amount) context.Context {
	return context.WithValue(ctx, depositKey{}, deposit)
}

// AttachedDeposit returns the value attached to the current call.
func AttachedDeposit(ctx context.Context) swap.Amount {
	if ctx == nil {
		return swap.Amount{}
	}
	if deposit, ok := ctx.Value(depositKey{}).(swap.Amount); ok {
		return deposit
	}
	return swap.Amount{}
}
