package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/order-settlement/internal/apperr"
	"github.com/safar/order-settlement/internal/models"
)

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	err := s.conn(ctx).QueryRowContext(ctx,
		`INSERT INTO users (first_name, last_name, mobile_number, created_at, updated_at, version)
		 VALUES ($1, $2, $3, NOW(), NOW(), 1)
		 RETURNING id, created_at, updated_at, version`,
		user.FirstName, user.LastName, user.MobileNumber,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt, &user.Version)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	user := &models.User{}

	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT id, first_name, last_name, mobile_number, created_at, updated_at, version
		 FROM users
		 WHERE id = $1`,
		id,
	).Scan(
		&user.ID,
		&user.FirstName,
		&user.LastName,
		&user.MobileNumber,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return user, nil
}

func (s *Store) CreateMobileVerification(ctx context.Context, v *models.MobileVerification) error {
	err := s.conn(ctx).QueryRowContext(ctx,
		`INSERT INTO mobile_verifications (mobile_number, code, created_at)
		 VALUES ($1, $2, NOW())
		 RETURNING id, created_at`,
		v.MobileNumber, nullString(v.Code),
	).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		return fmt.Errorf("create mobile verification: %w", err)
	}
	return nil
}

// UsersWithVerificationCode returns the users whose mobile number holds code,
// most recently issued first.
func (s *Store) UsersWithVerificationCode(ctx context.Context, code string) ([]models.User, error) {
	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT u.id, u.first_name, u.last_name, u.mobile_number, u.created_at, u.updated_at, u.version
		 FROM mobile_verifications mv
		 JOIN users u ON u.mobile_number = mv.mobile_number
		 WHERE mv.code = $1
		 ORDER BY mv.created_at DESC, mv.id DESC`,
		code)
	if err != nil {
		return nil, fmt.Errorf("find users by verification code: %w", err)
	}
	defer rows.Close()

	var users []models.User
	seen := make(map[int64]bool)
	for rows.Next() {
		var user models.User
		err := rows.Scan(
			&user.ID,
			&user.FirstName,
			&user.LastName,
			&user.MobileNumber,
			&user.CreatedAt,
			&user.UpdatedAt,
			&user.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		if !seen[user.ID] {
			seen[user.ID] = true
			users = append(users, user)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return users, nil
}

// RevokeVerificationCode clears every verification code held by the mobile number.
func (s *Store) RevokeVerificationCode(ctx context.Context, mobileNumber string) error {
	_, err := s.conn(ctx).ExecContext(ctx,
		`UPDATE mobile_verifications SET code = NULL WHERE mobile_number = $1`,
		mobileNumber)
	if err != nil {
		return fmt.Errorf("revoke verification code: %w", err)
	}
	return nil
}
