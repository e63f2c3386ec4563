package escrow

import (
	"context"
	"fmt"

	xerrors "CrossChain-Escrow/internal/errors"
	"CrossChain-Escrow/internal/swap"
)

// Escrow 是 Host 托管的单边 escrow 的句柄。
type Escrow struct {
	address swap.Principal
	host    *Host
}

// Address 返回 escrow 在账本上的地址。
func (e *Escrow) Address() swap.Principal { return e.address }

// Withdraw 在提取窗口打开且 secret 与存储的哈希一致时，将托管数量转给 taker。
func (e *Escrow) Withdraw(ctx context.Context, secret string) error {
	return e.host.withdraw(ctx, e.address, secret)
}

// Cancel 在取消窗口打开后将托管数量退还 maker。
func (e *Escrow) Cancel(ctx context.Context) error {
	return e.host.cancel(ctx, e.address)
}

// State 返回实时状态。
func (e *Escrow) State(ctx context.Context) (swap.EscrowState, error) {
	leg, err := e.host.store.Get(ctx, e.address)
	if err != nil {
		return swap.EscrowState{}, err
	}
	return leg.State, nil
}

// Immutables 返回创建时确定的条款。
func (e *Escrow) Immutables(ctx context.Context) (swap.EscrowImmutables, error) {
	state, err := e.State(ctx)
	if err != nil {
		return swap.EscrowImmutables{}, err
	}
	return state.Immutables, nil
}

func checkActive(state swap.EscrowState) error {
	switch {
	case state.IsWithdrawn:
		return swap.ErrAlreadyWithdrawn
	case state.IsCancelled:
		return swap.ErrAlreadyCancelled
	}
	return nil
}

func checkWithdraw(state swap.EscrowState, now swap.Timestamp, secret string) error {
	if err := checkActive(state); err != nil {
		return err
	}
	if opens := state.Immutables.WithdrawalOpensAt(); now < opens {
		return xerrors.New(swap.CodeTimelockNotElapsed,
			fmt.Sprintf("withdrawal opens at %d, now %d", opens, now),
			xerrors.WithMetadata("opens_at", fmt.Sprint(opens)))
	}
	if secret == "" {
		return xerrors.New(swap.CodeInvalidSecret, "secret is empty")
	}
	if !swap.VerifySecret(secret, state.SecretHash) {
		return xerrors.New(swap.CodeInvalidSecret, "secret does not match secret hash")
	}
	return nil
}

func checkCancel(state swap.EscrowState, now swap.Timestamp) error {
	if err := checkActive(state); err != nil {
		return err
	}
	if opens := state.Immutables.CancellationOpensAt(); now < opens {
		return xerrors.New(swap.CodeTimelockNotElapsed,
			fmt.Sprintf("cancellation opens at %d, now %d", opens, now),
			xerrors.WithMetadata("opens_at", fmt.Sprint(opens)))
	}
	return nil
}
