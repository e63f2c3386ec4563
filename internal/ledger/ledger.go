// Package ledger describes the host platform an escrow runs on: its clock,
// the identity of the current caller, value transfer and leg instantiation.
package ledger

import (
	"context"

	"CrossChain-Escrow/internal/swap"
)

// Ledger is the host collaborator every leg depends on.
type Ledger interface {
	// CurrentTime returns the ledger clock in unix seconds.
	CurrentTime(ctx context.Context) (swap.Timestamp, error)
	// CallerIdentity returns the principal invoking the current operation.
	CallerIdentity(ctx context.Context) (swap.Principal, error)
	// Transfer requests that amount be paid to the recipient.
	Transfer(ctx context.Context, to swap.Principal, amount swap.Amount) error
}

// InstantiateRequest asks the host to create one addressable leg.
type InstantiateRequest struct {
	RequestID  string
	Address    swap.Principal
	Immutables swap.EscrowImmutables
	SecretHash string
	Funding    swap.Amount
}

// Instantiator creates new legs on the host.
type Instantiator interface {
	InstantiateContract(ctx context.Context, req InstantiateRequest) (swap.Principal, error)
}
