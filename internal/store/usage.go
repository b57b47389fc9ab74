package store

import (
	"context"
	"fmt"
)

// IncrementUsage adds one billable action to the account's counter for period,
// creating the row on first use. The insert-or-increment is a single statement
// so concurrent first actions in a period cannot lose updates.
func (s *Store) IncrementUsage(ctx context.Context, accountID, period string) (int, error) {
	query := `
INSERT INTO usage_periods (account_id, period, count)
VALUES ($1, $2, 1)
ON CONFLICT (account_id, period) DO UPDATE SET
	count = usage_periods.count + 1,
	updated_at = now()
RETURNING count
	`
	var count int
	if err := s.db.QueryRowContext(ctx, query, accountID, period).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: increment usage: %w", err)
	}
	return count, nil
}

// TotalUsage sums the account's counters across all periods.
func (s *Store) TotalUsage(ctx context.Context, accountID string) (int, error) {
	query := `SELECT COALESCE(SUM(count), 0) FROM usage_periods WHERE account_id = $1`
	var total int
	if err := s.db.QueryRowContext(ctx, query, accountID).Scan(&total); err != nil {
		return 0, fmt.Errorf("store: total usage: %w", err)
	}
	return total, nil
}
