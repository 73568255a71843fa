package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/order-settlement/internal/models"
)

func (s *Store) ListCollectionAssociations(ctx context.Context, orderID int64) ([]models.CollectionAssociation, error) {
	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT order_id, user_id, can_collect, collection_code, collection_qr_code, collection_code_expires_at
		 FROM order_collectors
		 WHERE order_id = $1
		 ORDER BY created_at, user_id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("list order collectors: %w", err)
	}
	defer rows.Close()

	var out []models.CollectionAssociation
	for rows.Next() {
		var (
			a            models.CollectionAssociation
			code, qrCode sql.NullString
			expiresAt    sql.NullTime
		)
		if err := rows.Scan(&a.OrderID, &a.UserID, &a.CanCollect, &code, &qrCode, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan order collector: %w", err)
		}
		a.Code = code.String
		a.QRCodeURL = qrCode.String
		if expiresAt.Valid {
			at := expiresAt.Time
			a.ExpiresAt = &at
		}
		out = append(out, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// SaveCollectionCode stores a's code, QR image and expiry, replacing any previous code.
func (s *Store) SaveCollectionCode(ctx context.Context, a *models.CollectionAssociation) error {
	var expiresAt sql.NullTime
	if a.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: *a.ExpiresAt, Valid: true}
	}

	result, err := s.conn(ctx).ExecContext(ctx,
		`UPDATE order_collectors
		 SET collection_code = $1, collection_qr_code = $2, collection_code_expires_at = $3
		 WHERE order_id = $4 AND user_id = $5`,
		nullString(a.Code), nullString(a.QRCodeURL), expiresAt, a.OrderID, a.UserID)
	if err != nil {
		return fmt.Errorf("save collection code: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("save collection code: no collector %d on order %d", a.UserID, a.OrderID)
	}
	return nil
}

// ClearCollectionCodes removes every collector's code on the order.
func (s *Store) ClearCollectionCodes(ctx context.Context, orderID int64) error {
	_, err := s.conn(ctx).ExecContext(ctx,
		`UPDATE order_collectors
		 SET collection_code = NULL, collection_qr_code = NULL, collection_code_expires_at = NULL
		 WHERE order_id = $1`,
		orderID)
	if err != nil {
		return fmt.Errorf("clear collection codes: %w", err)
	}
	return nil
}
