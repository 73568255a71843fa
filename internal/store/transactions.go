package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/safar/order-settlement/internal/apperr"
	"github.com/safar/order-settlement/internal/database"
	"github.com/safar/order-settlement/internal/models"
	"github.com/safar/order-settlement/internal/money"
)

const pendingPerPayerIndex = "transactions_one_pending_per_payer"

const transactionColumns = `id, owner_type, owner_id, store_id, currency, amount, percentage,
	payment_status, is_cancelled, cancellation_reason, description, paid_by_user_id,
	requested_by_user_id, verified_by_user_id, payment_method, payment_link_url,
	provider_reference, provider_metadata, created_at, updated_at`

func scanTransaction(row scanner) (*models.Transaction, error) {
	var (
		t                                  models.Transaction
		currency                           string
		amount                             int64
		reason, method, linkURL, reference sql.NullString
		requestedBy, verifiedBy            sql.NullInt64
		metadata                           []byte
	)

	err := row.Scan(
		&t.ID,
		&t.OwnerType,
		&t.OwnerID,
		&t.StoreID,
		&currency,
		&amount,
		&t.Percentage,
		&t.PaymentStatus,
		&t.Cancelled,
		&reason,
		&t.Description,
		&t.PaidByUserID,
		&requestedBy,
		&verifiedBy,
		&method,
		&linkURL,
		&reference,
		&metadata,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Amount = money.New(amount, money.Currency(currency))
	t.CancellationReason = reason.String
	t.PaymentMethod = method.String
	t.PaymentLinkURL = linkURL.String
	t.ProviderReference = reference.String
	if len(metadata) > 0 {
		t.ProviderMetadata = json.RawMessage(metadata)
	}

	initiator, ok := models.InitiatorFromColumns(nullInt64Ptr(requestedBy), nullInt64Ptr(verifiedBy))
	if !ok {
		return nil, fmt.Errorf("transaction %d has no single initiator", t.ID)
	}
	t.Initiator = initiator

	return &t, nil
}

func nullInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func (s *Store) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	requestedBy, verifiedBy := models.InitiatorColumns(t.Initiator)
	if requestedBy == nil && verifiedBy == nil {
		return fmt.Errorf("create transaction: missing initiator")
	}

	err := s.conn(ctx).QueryRowContext(ctx,
		`INSERT INTO transactions (
			owner_type, owner_id, store_id, currency, amount, percentage,
			payment_status, is_cancelled, cancellation_reason, description, paid_by_user_id,
			requested_by_user_id, verified_by_user_id, verified_by,
			payment_method, payment_link_url, provider_reference, provider_metadata,
			created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW(), NOW())
		 RETURNING id, created_at, updated_at`,
		t.OwnerType,
		t.OwnerID,
		t.StoreID,
		string(t.Amount.Currency()),
		t.Amount.Amount(),
		t.Percentage,
		t.PaymentStatus,
		t.Cancelled,
		nullString(t.CancellationReason),
		t.Description,
		t.PaidByUserID,
		requestedBy,
		verifiedBy,
		t.Initiator.VerifiedBy(),
		nullString(t.PaymentMethod),
		nullString(t.PaymentLinkURL),
		nullString(t.ProviderReference),
		nullJSON(t.ProviderMetadata),
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err, pendingPerPayerIndex) {
			return apperr.ErrDuplicatePendingPayment
		}
		if database.IsForeignKeyViolation(err) {
			return apperr.ErrUserNotFound
		}
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	row := s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// UpdateTransaction writes the mutable fields. Amount, payer and initiator never change.
func (s *Store) UpdateTransaction(ctx context.Context, t *models.Transaction) error {
	err := s.conn(ctx).QueryRowContext(ctx,
		`UPDATE transactions
		 SET payment_status = $1,
		     is_cancelled = $2,
		     cancellation_reason = $3,
		     description = $4,
		     payment_method = $5,
		     payment_link_url = $6,
		     provider_reference = $7,
		     provider_metadata = $8,
		     updated_at = NOW()
		 WHERE id = $9
		 RETURNING updated_at`,
		t.PaymentStatus,
		t.Cancelled,
		nullString(t.CancellationReason),
		t.Description,
		nullString(t.PaymentMethod),
		nullString(t.PaymentLinkURL),
		nullString(t.ProviderReference),
		nullJSON(t.ProviderMetadata),
		t.ID,
	).Scan(&t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.ErrTransactionNotFound
		}
		if database.IsUniqueViolation(err, pendingPerPayerIndex) {
			return apperr.ErrDuplicatePendingPayment
		}
		return fmt.Errorf("update transaction %d: %w", t.ID, err)
	}
	return nil
}

func (s *Store) DeleteTransaction(ctx context.Context, id int64) error {
	result, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperr.ErrTransactionNotFound
	}
	return nil
}

// ListOrderTransactions returns every transaction of the order, cancelled ones included.
func (s *Store) ListOrderTransactions(ctx context.Context, orderID int64) ([]models.Transaction, error) {
	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE owner_type = $1 AND owner_id = $2
		 ORDER BY created_at DESC, id DESC`,
		models.OwnerTypeOrder, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order transactions: %w", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

func collectTransactions(rows *sql.Rows) ([]models.Transaction, error) {
	var txns []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return txns, nil
}

// HasPendingPayment reports whether payerID has an open pending transaction on
// the order other than excludeID.
func (s *Store) HasPendingPayment(ctx context.Context, orderID, payerID, excludeID int64) (bool, error) {
	var exists bool
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM transactions
			WHERE owner_type = $1 AND owner_id = $2 AND paid_by_user_id = $3
			  AND payment_status = $4 AND NOT is_cancelled AND id <> $5)`,
		models.OwnerTypeOrder, orderID, payerID, models.TransactionStatusPendingPayment, excludeID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending payment: %w", err)
	}
	return exists, nil
}

func filterClause(f models.TransactionFilter) string {
	switch f {
	case models.TransactionFilterPendingPayment:
		return fmt.Sprintf(" AND payment_status = '%s' AND NOT is_cancelled", models.TransactionStatusPendingPayment)
	case models.TransactionFilterPaid:
		return fmt.Sprintf(" AND payment_status = '%s' AND NOT is_cancelled", models.TransactionStatusPaid)
	case models.TransactionFilterCancelled:
		return " AND is_cancelled"
	}
	return ""
}

func (s *Store) PageTransactions(ctx context.Context, q models.TransactionQuery) (*models.TransactionPage, error) {
	cursor, err := DecodeCursor(q.Cursor)
	if err != nil {
		return nil, err
	}
	limit := NormalizeLimit(q.Limit)

	var query strings.Builder
	args := []any{models.OwnerTypeOrder, q.OrderID}
	query.WriteString(`SELECT ` + transactionColumns + `
		FROM transactions
		WHERE owner_type = $1 AND owner_id = $2`)
	query.WriteString(filterClause(q.Filter))
	if q.PaidByUserID != 0 {
		args = append(args, q.PaidByUserID)
		fmt.Fprintf(&query, " AND paid_by_user_id = $%d", len(args))
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		fmt.Fprintf(&query, " AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit+1)
	fmt.Fprintf(&query, " ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.conn(ctx).QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("page transactions: %w", err)
	}
	defer rows.Close()

	txns, err := collectTransactions(rows)
	if err != nil {
		return nil, err
	}
	return pageOf(txns, limit), nil
}

// pageOf trims a limit+1 result set to a page and fills the next cursor.
func pageOf(txns []models.Transaction, limit int) *models.TransactionPage {
	hasMore := len(txns) > limit
	if hasMore {
		txns = txns[:limit]
	}

	page := &models.TransactionPage{Items: txns, HasMore: hasMore}
	if page.Items == nil {
		page.Items = []models.Transaction{}
	}
	if hasMore && len(txns) > 0 {
		last := txns[len(txns)-1]
		page.NextCursor = EncodeCursor(Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page
}

// PageOf is pageOf for repositories outside this package.
func PageOf(txns []models.Transaction, limit int) *models.TransactionPage {
	return pageOf(txns, limit)
}

// CountTransactions returns the number of the order's transactions under each filter.
func (s *Store) CountTransactions(ctx context.Context, orderID int64) ([]models.FilterCount, error) {
	var all, pending, paid, cancelled int
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE payment_status = $3 AND NOT is_cancelled),
		        COUNT(*) FILTER (WHERE payment_status = $4 AND NOT is_cancelled),
		        COUNT(*) FILTER (WHERE is_cancelled)
		 FROM transactions
		 WHERE owner_type = $1 AND owner_id = $2`,
		models.OwnerTypeOrder, orderID,
		models.TransactionStatusPendingPayment, models.TransactionStatusPaid,
	).Scan(&all, &pending, &paid, &cancelled)
	if err != nil {
		return nil, fmt.Errorf("count transactions: %w", err)
	}

	return []models.FilterCount{
		{Filter: models.TransactionFilterAll, Total: all},
		{Filter: models.TransactionFilterPendingPayment, Total: pending},
		{Filter: models.TransactionFilterPaid, Total: paid},
		{Filter: models.TransactionFilterCancelled, Total: cancelled},
	}, nil
}
