package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "CrossChain-Escrow/internal/errors"
	"CrossChain-Escrow/internal/escrow"
	"CrossChain-Escrow/internal/swap"
)

const (
	insertLegSQL = `INSERT INTO escrow_legs
        (address, status, state, funding, request_id, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	selectLegSQL = `SELECT address, state, funding, request_id, created_at, updated_at
        FROM escrow_legs WHERE address = ?`
	finalizeLegSQL = `UPDATE escrow_legs SET status = ?, state = ?, updated_at = ?
        WHERE address = ? AND status = 'active'`
	countLegSQL       = `SELECT COUNT(*) FROM escrow_legs WHERE address = ?`
	lockLegStateSQL   = `SELECT state FROM escrow_legs WHERE address = ? FOR UPDATE`
	updateLegStateSQL = `UPDATE escrow_legs SET state = ?, updated_at = ? WHERE address = ?`
)

// LegStore 使用 MySQL 持久化 escrow 实例。状态列保存带版本的编码信封。
type LegStore struct {
	db *sql.DB
}

var _ escrow.Store = (*LegStore)(nil)

// NewLegStore 基于已迁移的连接池创建 LegStore。
func NewLegStore(db *sql.DB) *LegStore {
	return &LegStore{db: db}
}

// Create 插入新的 escrow 实例。
func (s *LegStore) Create(ctx context.Context, leg *escrow.Leg) error {
	if leg == nil || leg.Address == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "leg address is required")
	}
	state, err := swap.EncodeState(leg.State)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	if leg.CreatedAt == 0 {
		leg.CreatedAt = now
	}
	leg.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, insertLegSQL,
		string(leg.Address),
		string(leg.State.Status()),
		string(state),
		leg.Funding.String(),
		leg.RequestID,
		leg.CreatedAt,
		leg.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return escrow.ErrLegExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入 escrow 实例失败")
	}
	return nil
}

// Get 查询指定地址的 escrow 实例。
func (s *LegStore) Get(ctx context.Context, address swap.Principal) (*escrow.Leg, error) {
	var (
		leg     escrow.Leg
		addr    string
		state   string
		funding string
	)
	err := s.db.QueryRowContext(ctx, selectLegSQL, string(address)).
		Scan(&addr, &state, &funding, &leg.RequestID, &leg.CreatedAt, &leg.UpdatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, swap.ErrEscrowNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 escrow 实例失败")
	}
	leg.Address = swap.Principal(addr)
	if leg.State, err = swap.DecodeState([]byte(state)); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 escrow 状态失败")
	}
	if leg.Funding, err = swap.ParseAmount(funding); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 escrow 资金失败")
	}
	return &leg, nil
}

// Finalize 仅当实例仍处于 active 时写入终态。
func (s *LegStore) Finalize(ctx context.Context, address swap.Principal, state swap.EscrowState) error {
	encoded, err := swap.EncodeState(state)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, finalizeLegSQL,
		string(state.Status()),
		string(encoded),
		time.Now().Unix(),
		string(address),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新 escrow 状态失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新行数失败")
	}
	if affected > 0 {
		return nil
	}
	exists, err := s.exists(ctx, address)
	if err != nil {
		return err
	}
	if !exists {
		return swap.ErrEscrowNotFound
	}
	return escrow.ErrLegNotActive
}

// RecordPayoutError 在终态实例的 payout 上记录转账失败原因。
func (s *LegStore) RecordPayoutError(ctx context.Context, address swap.Principal, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRowContext(ctx, lockLegStateSQL, string(address)).Scan(&raw); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return swap.ErrEscrowNotFound
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定 escrow 实例失败")
	}
	state, err := swap.DecodeState([]byte(raw))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 escrow 状态失败")
	}
	if state.Payout == nil {
		return xerrors.New(xerrors.CodeConflict, "leg has no payout to annotate")
	}
	state.Payout.Error = message
	encoded, err := swap.EncodeState(state)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, updateLegStateSQL, string(encoded), time.Now().Unix(), string(address)); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 payout 错误失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

func (s *LegStore) exists(ctx context.Context, address swap.Principal) (bool, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, countLegSQL, string(address)).Scan(&count); err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 escrow 实例失败")
	}
	return count > 0, nil
}

// Close 不关闭共享连接池。
func (s *LegStore) Close() error { return nil }
