package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/PortNumber53/leaveratings/backend/internal/models"
)

var (
	// ErrAccountNotFound is returned when no account matches the lookup.
	ErrAccountNotFound = errors.New("account not found")
	// ErrBusinessNotFound is returned when no business matches the lookup.
	ErrBusinessNotFound = errors.New("business not found")
	// ErrReviewNotFound is returned when no review matches the lookup.
	ErrReviewNotFound = errors.New("review not found")
	// ErrSubscriptionNotFound is returned when no local subscription row exists.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrCustomerIDTaken is returned when a Stripe customer id is already linked
	// to a different account.
	ErrCustomerIDTaken = errors.New("billing customer id already linked to another account")
	// ErrInactiveEntitlement is returned when asked to store a subscription
	// reference alongside a status that is not active-equivalent.
	ErrInactiveEntitlement = errors.New("subscription id requires an active or trialing status")
)

const uniqueViolation = "23505"

// Store provides database-backed accessors for application data.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const accountColumns = `id::text, email, subscription_status, subscription_id, billing_customer_id, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*models.Account, error) {
	var (
		acct           models.Account
		status         sql.NullString
		subscriptionID sql.NullString
		customerID     sql.NullString
	)
	if err := row.Scan(&acct.ID, &acct.Email, &status, &subscriptionID, &customerID, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		return nil, err
	}
	if status.Valid && status.String != "" {
		st := models.SubscriptionStatus(status.String)
		acct.SubscriptionStatus = &st
	}
	acct.SubscriptionID = nullStringPtr(subscriptionID)
	acct.BillingCustomerID = nullStringPtr(customerID)
	return &acct, nil
}

func (s *Store) getAccount(ctx context.Context, op, where string, arg any) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE ` + where
	acct, err := scanAccount(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", op, err)
	}
	return acct, nil
}

// GetAccount loads an account by id.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	return s.getAccount(ctx, "get account", `id = $1`, accountID)
}

// GetAccountByCustomerID loads the account linked to a Stripe customer id.
func (s *Store) GetAccountByCustomerID(ctx context.Context, customerID string) (*models.Account, error) {
	if customerID == "" {
		return nil, ErrAccountNotFound
	}
	return s.getAccount(ctx, "get account by customer", `billing_customer_id = $1`, customerID)
}

// GetAccountByEmail loads an account by case-insensitive email.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, ErrAccountNotFound
	}
	return s.getAccount(ctx, "get account by email", `lower(email) = lower($1)`, email)
}

// SetEntitlement stores the subscription status and id together. Only
// active-equivalent statuses may carry a subscription id.
func (s *Store) SetEntitlement(ctx context.Context, accountID string, status models.SubscriptionStatus, subscriptionID string) error {
	if !status.IsActiveEquivalent() || subscriptionID == "" {
		return ErrInactiveEntitlement
	}
	query := `
UPDATE accounts
SET subscription_status = $2,
	subscription_id = $3,
	updated_at = now()
WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, accountID, string(status), subscriptionID)
	if err != nil {
		return fmt.Errorf("store: set entitlement: %w", err)
	}
	return requireRow(res, ErrAccountNotFound)
}

// ClearEntitlement nulls subscription status and id together.
func (s *Store) ClearEntitlement(ctx context.Context, accountID string) error {
	query := `
UPDATE accounts
SET subscription_status = NULL,
	subscription_id = NULL,
	updated_at = now()
WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, accountID)
	if err != nil {
		return fmt.Errorf("store: clear entitlement: %w", err)
	}
	return requireRow(res, ErrAccountNotFound)
}

// BackfillBillingCustomerID links a Stripe customer id to the account only if
// none is stored yet. It reports whether the row changed.
func (s *Store) BackfillBillingCustomerID(ctx context.Context, accountID, customerID string) (bool, error) {
	query := `
UPDATE accounts
SET billing_customer_id = $2,
	updated_at = now()
WHERE id = $1 AND billing_customer_id IS NULL
	`
	res, err := s.db.ExecContext(ctx, query, accountID, customerID)
	if err != nil {
		if isUniqueViolation(err) {
			return false, ErrCustomerIDTaken
		}
		return false, fmt.Errorf("store: backfill customer id: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetBillingCustomerID overwrites the account's Stripe customer id.
func (s *Store) SetBillingCustomerID(ctx context.Context, accountID, customerID string) error {
	query := `
UPDATE accounts
SET billing_customer_id = $2,
	updated_at = now()
WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, accountID, customerID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrCustomerIDTaken
		}
		return fmt.Errorf("store: set customer id: %w", err)
	}
	return requireRow(res, ErrAccountNotFound)
}

// ListBillingCustomerIDs pages through linked Stripe customer ids in id order.
func (s *Store) ListBillingCustomerIDs(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	query := `
SELECT billing_customer_id
FROM accounts
WHERE billing_customer_id IS NOT NULL AND billing_customer_id > $1
ORDER BY billing_customer_id
LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list customer ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan customer id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate customer ids: %w", err)
	}
	return ids, nil
}

// GetBusinessBySlug loads a public business page.
func (s *Store) GetBusinessBySlug(ctx context.Context, slug string) (*models.Business, error) {
	query := `
SELECT id::text, account_id::text, slug, name, location, keywords, google_review_link, contact_email, created_at
FROM businesses
WHERE slug = $1
	`
	var (
		b         models.Business
		accountID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, slug).Scan(
		&b.ID, &accountID, &b.Slug, &b.Name, &b.Location, &b.Keywords,
		&b.GoogleReviewLink, &b.ContactEmail, &b.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBusinessNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get business: %w", err)
	}
	b.AccountID = nullStringPtr(accountID)
	return &b, nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}
