package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ошибки слоя репозиториев Catalog.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (например, повторный активный
	// ForwardJob для той же пары instance/destination).
	ErrConflict = errors.New("конфликт — запись уже существует")
	// ErrSerializationFailure — транзакция должна быть повторена на
	// уровне вызывающего кода (40001/40P01).
	ErrSerializationFailure = errors.New("сбой сериализации транзакции, требуется повтор")
	// ErrLeaseLost — лизинг job'а истёк или был перехвачен другим
	// worker'ом до завершения heartbeat (spec §4.3 "lease_lost").
	ErrLeaseLost = errors.New("лизинг job'а утрачен")
)

// DBTX — интерфейс для выполнения SQL-запросов, реализуемый как
// *pgxpool.Pool, так и pgx.Tx — репозитории работают как внутри, так и
// вне транзакции (spec §4.2 "Concurrency discipline").
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner управляет транзакциями Catalog.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner над пулом подключений.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx выполняет fn в транзакции с уровнем изоляции Serializable —
// операции, затрагивающие счётчики Study/Series и claim ForwardJob,
// не допускают аномалий (spec §4.2, §4.3). При сериализационном сбое
// возвращает ErrSerializationFailure, чтобы вызывающий код мог повторить.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		if isSerializationFailure(err) {
			return ErrSerializationFailure
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return ErrSerializationFailure
		}
		return fmt.Errorf("ошибка коммита транзакции: %w", err)
	}
	return nil
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return false
}

// isSerializationFailure проверяет сериализационный сбой или deadlock —
// оба требуют повтора транзакции целиком (spec §4.2, §4.3 "skip-locked").
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return false
}
