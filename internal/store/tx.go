package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrRetriesExhausted is returned when a transient failure persists across every attempt.
var ErrRetriesExhausted = errors.New("store: transaction retries exhausted")

// SQLSTATE codes for failures where rerunning the whole transaction may succeed.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// Beginner starts transactions. *pgxpool.Pool and pgxmock pools satisfy it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxOptions configures a TxRunner.
type TxOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// OnRetry is invoked before each retry with the failed attempt's error.
	OnRetry func(err error, wait time.Duration)
}

// TxRunner executes units of work inside a transaction and reruns the whole
// unit when postgres reports a transient conflict.
type TxRunner struct {
	db   Beginner
	opts TxOptions
}

// NewTxRunner creates a runner over db.
func NewTxRunner(db Beginner, opts TxOptions) *TxRunner {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &TxRunner{db: db, opts: opts}
}

// Run executes fn in a transaction. fn must not retain tx after returning.
// Non-transient errors from fn are returned unchanged after rollback.
func (r *TxRunner) Run(ctx context.Context, fn func(tx pgx.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	if r.opts.BaseDelay > 0 {
		b.InitialInterval = r.opts.BaseDelay
		b.MaxInterval = 8 * r.opts.BaseDelay
	}

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.opts.MaxAttempts)),
	}
	if r.opts.OnRetry != nil {
		retryOpts = append(retryOpts, backoff.WithNotify(backoff.Notify(r.opts.OnRetry)))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := r.runOnce(ctx, fn)
		if err != nil && !IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, retryOpts...)
	if err == nil {
		return nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	if IsRetryable(err) {
		return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, r.opts.MaxAttempts, err)
	}
	return err
}

func (r *TxRunner) runOnce(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// IsRetryable reports whether err is a transient postgres conflict.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return true
	}
	return false
}

// SnapshotBeginner starts transactions with explicit options.
type SnapshotBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// ReadSnapshot runs fn in a read-only repeatable-read transaction so every
// query inside fn observes the same committed state.
func ReadSnapshot(ctx context.Context, db SnapshotBeginner, fn func(tx pgx.Tx) error) error {
	tx, err := db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
