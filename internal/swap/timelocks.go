package swap

import (
	"fmt"

	xerrors "CrossChain-Escrow/internal/errors"
)

// TimeLocks 是相对 deployed_at 锚点的秒级偏移。
type TimeLocks struct {
	SrcWithdrawal         uint64 `json:"src_withdrawal"`
	SrcPublicWithdrawal   uint64 `json:"src_public_withdrawal"`
	SrcCancellation       uint64 `json:"src_cancellation"`
	SrcPublicCancellation uint64 `json:"src_public_cancellation"`
	DstWithdrawal         uint64 `json:"dst_withdrawal"`
	DstPublicWithdrawal   uint64 `json:"dst_public_withdrawal"`
	DstCancellation       uint64 `json:"dst_cancellation"`
}

// Validate 校验每一侧的窗口单调递增：
// withdrawal <= public withdrawal <= cancellation <= public cancellation。
func (tl TimeLocks) Validate() error {
	src := []struct {
		name  string
		value uint64
	}{
		{"src_withdrawal", tl.SrcWithdrawal},
		{"src_public_withdrawal", tl.SrcPublicWithdrawal},
		{"src_cancellation", tl.SrcCancellation},
		{"src_public_cancellation", tl.SrcPublicCancellation},
	}
	for i := 1; i < len(src); i++ {
		if src[i].value < src[i-1].value {
			return invalidSchedule(src[i-1].name, src[i-1].value, src[i].name, src[i].value)
		}
	}

	if tl.DstPublicWithdrawal < tl.DstWithdrawal {
		return invalidSchedule("dst_withdrawal", tl.DstWithdrawal, "dst_public_withdrawal", tl.DstPublicWithdrawal)
	}
	if tl.DstCancellation < tl.DstPublicWithdrawal {
		return invalidSchedule("dst_public_withdrawal", tl.DstPublicWithdrawal, "dst_cancellation", tl.DstCancellation)
	}
	return nil
}

func invalidSchedule(before string, beforeValue uint64, after string, afterValue uint64) error {
	return xerrors.New(xerrors.CodeInvalidArgument,
		fmt.Sprintf("time locks: %s (%d) must not exceed %s (%d)", before, beforeValue, after, afterValue),
		xerrors.WithMetadata("field", after),
	)
}
