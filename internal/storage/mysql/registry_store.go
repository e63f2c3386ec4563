package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "CrossChain-Escrow/internal/errors"
	"CrossChain-Escrow/internal/factory"
	"CrossChain-Escrow/internal/swap"
)

const (
	ensureCounterSQL = `INSERT IGNORE INTO escrow_factory_counter (account, counter) VALUES (?, 0)`
	lockCounterSQL   = `SELECT counter FROM escrow_factory_counter WHERE account = ? FOR UPDATE`
	bumpCounterSQL   = `UPDATE escrow_factory_counter SET counter = counter + 1 WHERE account = ?`
	selectCounterSQL = `SELECT counter FROM escrow_factory_counter WHERE account = ?`
	insertRecordSQL  = `INSERT INTO escrow_registry
        (account, id, address, side, status, attempts, last_error, record, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectRecordSQL = `SELECT address, status, attempts, last_error, record, created_at, updated_at
        FROM escrow_registry WHERE account = ? AND id = ?`
	confirmRecordSQL = `UPDATE escrow_registry SET status = 'confirmed', address = ?, last_error = '', updated_at = ?
        WHERE account = ? AND id = ?`
	failRecordSQL = `UPDATE escrow_registry SET attempts = attempts + 1, last_error = ?, updated_at = ?
        WHERE account = ? AND id = ?`
	listPendingSQL = `SELECT address, status, attempts, last_error, record, created_at, updated_at
        FROM escrow_registry WHERE account = ? AND status = 'pending' ORDER BY id LIMIT ?`
	countRecordSQL = `SELECT COUNT(*) FROM escrow_registry WHERE account = ? AND id = ?`
)

const defaultPendingLimit = 1000

// RegistryStore 使用 MySQL 保存工厂计数器与 escrow 登记表。
// 每个工厂账户拥有独立的计数器。
type RegistryStore struct {
	db      *sql.DB
	account string
}

var _ factory.Registry = (*RegistryStore)(nil)

// NewRegistryStore 创建绑定到指定工厂账户的登记表。
func NewRegistryStore(db *sql.DB, account swap.Principal) (*RegistryStore, error) {
	acct := strings.TrimSpace(string(account))
	if acct == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "registry account is required")
	}
	return &RegistryStore{db: db, account: acct}, nil
}

// Append 在同一事务内读取计数器、写入记录并递增计数器。
func (s *RegistryStore) Append(ctx context.Context, build func(id swap.EscrowID) factory.Record) (*factory.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, ensureCounterSQL, s.account); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化工厂计数器失败")
	}
	var counter uint64
	if err := tx.QueryRowContext(ctx, lockCounterSQL, s.account).Scan(&counter); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定工厂计数器失败")
	}

	id := swap.EscrowID(counter)
	rec := build(id)
	rec.ID = id
	now := time.Now().Unix()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	payload, err := swap.Encode(swap.KindRegistryRecord, rec)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, insertRecordSQL,
		s.account,
		uint64(rec.ID),
		string(rec.Address),
		string(rec.Side),
		string(rec.Status),
		rec.Attempts,
		rec.LastError,
		string(payload),
		rec.CreatedAt,
		rec.UpdatedAt,
	); err != nil {
		if isDuplicateKey(err) {
			return nil, xerrors.Wrap(xerrors.CodeConflict, err, "escrow id already registered")
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 escrow 登记失败")
	}
	if _, err := tx.ExecContext(ctx, bumpCounterSQL, s.account); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "递增工厂计数器失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return rec.Clone(), nil
}

// Get 查询指定 escrow 的登记记录。
func (s *RegistryStore) Get(ctx context.Context, id swap.EscrowID) (*factory.Record, error) {
	row := s.db.QueryRowContext(ctx, selectRecordSQL, s.account, uint64(id))
	rec, err := scanRecord(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, swap.ErrEscrowNotFound
		}
		return nil, err
	}
	return rec, nil
}

// Confirm 将登记记录标记为已实例化。
func (s *RegistryStore) Confirm(ctx context.Context, id swap.EscrowID, address swap.Principal) error {
	result, err := s.db.ExecContext(ctx, confirmRecordSQL, string(address), time.Now().Unix(), s.account, uint64(id))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "确认 escrow 登记失败")
	}
	return s.requireRow(ctx, result, id)
}

// RecordFailure 记录一次实例化失败并返回最新记录。
func (s *RegistryStore) RecordFailure(ctx context.Context, id swap.EscrowID, message string) (*factory.Record, error) {
	result, err := s.db.ExecContext(ctx, failRecordSQL, message, time.Now().Unix(), s.account, uint64(id))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录实例化失败出错")
	}
	if err := s.requireRow(ctx, result, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// ListPending 按 id 升序返回待实例化的记录。
func (s *RegistryStore) ListPending(ctx context.Context, limit int) ([]*factory.Record, error) {
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	rows, err := s.db.QueryContext(ctx, listPendingSQL, s.account, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待实例化记录失败")
	}
	defer rows.Close()

	records := make([]*factory.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历待实例化记录失败")
	}
	return records, nil
}

// Counter 返回下一个将被分配的 id。
func (s *RegistryStore) Counter(ctx context.Context) (uint64, error) {
	var counter uint64
	err := s.db.QueryRowContext(ctx, selectCounterSQL, s.account).Scan(&counter)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工厂计数器失败")
	}
	return counter, nil
}

// Close 不关闭共享连接池。
func (s *RegistryStore) Close() error { return nil }

// requireRow 区分登记不存在与写入值未变化导致的零行更新。
func (s *RegistryStore) requireRow(ctx context.Context, result sql.Result, id swap.EscrowID) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新行数失败")
	}
	if affected > 0 {
		return nil
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, countRecordSQL, s.account, uint64(id)).Scan(&count); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 escrow 登记失败")
	}
	if count == 0 {
		return swap.ErrEscrowNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord 解码信封，并用可变列覆盖对应字段。
func scanRecord(row rowScanner) (*factory.Record, error) {
	var (
		address   string
		status    string
		attempts  int
		lastError sql.NullString
		payload   string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&address, &status, &attempts, &lastError, &payload, &createdAt, &updatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 escrow 登记失败")
	}
	rec, err := decodeRecord([]byte(payload))
	if err != nil {
		return nil, err
	}
	rec.Address = swap.Principal(address)
	rec.Status = factory.RecordStatus(status)
	rec.Attempts = attempts
	rec.LastError = lastError.String
	rec.CreatedAt = createdAt
	rec.UpdatedAt = updatedAt
	return rec, nil
}

// decodeRecord 解码登记内容，并升级旧版本信封中的 immutables。
func decodeRecord(payload []byte) (*factory.Record, error) {
	env, err := swap.Open(payload, swap.KindRegistryRecord)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 escrow 登记内容失败")
	}
	var rec factory.Record
	if err := json.Unmarshal(env.Payload, &rec); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 escrow 登记内容失败")
	}
	swap.UpgradeImmutables(env.Version, &rec.Immutables)
	return &rec, nil
}
