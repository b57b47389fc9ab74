package models

import "time"

// PeriodLabel returns the "YYYY-MM" ledger key for t in UTC.
func PeriodLabel(t time.Time) string {
	return t.UTC().Format("2006-01")
}
