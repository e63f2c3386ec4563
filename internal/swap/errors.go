package swap

import (
	xerrors "CrossChain-Escrow/internal/errors"
)

const (
	CodeUnauthorized        xerrors.Code = "UNAUTHORIZED"
	CodeAlreadyWithdrawn    xerrors.Code = "ALREADY_WITHDRAWN"
	CodeAlreadyCancelled    xerrors.Code = "ALREADY_CANCELLED"
	CodeTimelockNotElapsed  xerrors.Code = "TIMELOCK_NOT_ELAPSED"
	CodeInvalidSecret       xerrors.Code = "INVALID_SECRET"
	CodeEscrowNotFound      xerrors.Code = "ESCROW_NOT_FOUND"
	CodeEscrowPending       xerrors.Code = "ESCROW_PENDING"
	CodeTransferFailed      xerrors.Code = "TRANSFER_FAILED"
	CodeInstantiationFailed xerrors.Code = "INSTANTIATION_FAILED"
)

func init() {
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{Message: "caller is not the owner", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeAlreadyWithdrawn, xerrors.Attributes{Message: "escrow already withdrawn", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeAlreadyCancelled, xerrors.Attributes{Message: "escrow already cancelled", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeTimelockNotElapsed, xerrors.Attributes{Message: "time lock has not elapsed", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInvalidSecret, xerrors.Attributes{Message: "invalid secret", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeEscrowNotFound, xerrors.Attributes{Message: "escrow not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeEscrowPending, xerrors.Attributes{Message: "escrow leg not yet instantiated", Severity: xerrors.SeverityInfo, Retryable: true})
	xerrors.Register(CodeTransferFailed, xerrors.Attributes{Message: "ledger transfer failed", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeInstantiationFailed, xerrors.Attributes{Message: "escrow instantiation failed", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true})
}

// 供 errors.Is 使用的哨兵错误，按错误码匹配，附带元数据的包装实例同样相等。
var (
	ErrUnauthorized        = xerrors.New(CodeUnauthorized, "caller is not the owner")
	ErrAlreadyWithdrawn    = xerrors.New(CodeAlreadyWithdrawn, "escrow already withdrawn")
	ErrAlreadyCancelled    = xerrors.New(CodeAlreadyCancelled, "escrow already cancelled")
	ErrTimelockNotElapsed  = xerrors.New(CodeTimelockNotElapsed, "time lock has not elapsed")
	ErrInvalidSecret       = xerrors.New(CodeInvalidSecret, "invalid secret")
	ErrEscrowNotFound      = xerrors.New(CodeEscrowNotFound, "escrow not found")
	ErrEscrowPending       = xerrors.New(CodeEscrowPending, "escrow leg not yet instantiated")
	ErrTransferFailed      = xerrors.New(CodeTransferFailed, "ledger transfer failed")
	ErrInstantiationFailed = xerrors.New(CodeInstantiationFailed, "escrow instantiation failed")
)
