package escrow

import "CrossChain-Escrow/internal/swap"

// Window 表示 escrow 当前所处的时间锁区间。
type Window string

const (
	WindowGrace               Window = "grace"
	WindowPrivateWithdrawal   Window = "private_withdrawal"
	WindowPublicWithdrawal    Window = "public_withdrawal"
	WindowPrivateCancellation Window = "private_cancellation"
	WindowPublicCancellation  Window = "public_cancellation"
	WindowClosed              Window = "closed"
)

// PublicWindow 返回 now 时刻所处的窗口。只有提取与取消的起点会限制操作，
// 公开窗口的边界仅用于展示第三方 resolver 何时可以介入。
func PublicWindow(state swap.EscrowState, now swap.Timestamp) Window {
	if state.IsTerminal() {
		return WindowClosed
	}
	im := state.Immutables
	switch {
	case now >= im.OpensAt(im.TimeLocks.SrcPublicCancellation):
		return WindowPublicCancellation
	case now >= im.CancellationOpensAt():
		return WindowPrivateCancellation
	case now >= im.OpensAt(im.TimeLocks.SrcPublicWithdrawal):
		return WindowPublicWithdrawal
	case now >= im.WithdrawalOpensAt():
		return WindowPrivateWithdrawal
	default:
		return WindowGrace
	}
}
