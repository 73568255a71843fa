// Package store is the PostgreSQL repository behind settlement and collection.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/order-settlement/internal/apperr"
	"github.com/safar/order-settlement/internal/database"
	"github.com/safar/order-settlement/internal/models"
)

type Store struct {
	db     *sql.DB
	txOpts database.TxOptions
}

func New(db *sql.DB) *Store {
	return &Store{db: db, txOpts: database.SettlementTxOptions()}
}

func (s *Store) conn(ctx context.Context) database.Querier {
	return database.Conn(ctx, s.db)
}

// InOrderTx locks the order row and runs fn in a serializable transaction.
// Every store call made with fn's context joins that transaction. Serialization
// failures and deadlocks rerun fn from the start.
func (s *Store) InOrderTx(ctx context.Context, orderID int64, fn func(ctx context.Context, order *models.Order) error) error {
	return database.RunInTx(ctx, s.db, s.txOpts, func(ctx context.Context) error {
		order, err := s.lockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		return fn(ctx, order)
	})
}

func (s *Store) lockOrder(ctx context.Context, id int64) (*models.Order, error) {
	row := s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrOrderNotFound
		}
		return nil, fmt.Errorf("lock order %d: %w", id, err)
	}
	return order, nil
}

type scanner interface {
	Scan(dest ...any) error
}
