package db

import (
	"context"
	"fmt"
	"time"
)

// Activity describes one backend running a statement of interest.
type Activity struct {
	PID     int
	Query   string
	Started time.Time
}

// HangingDDL lists backends that have been running an index build longer
// than the threshold.
func (a *Adapter) HangingDDL(ctx context.Context, olderThan time.Duration) ([]Activity, error) {
	rows, err := a.Query(ctx,
		`SELECT pid, query, query_start
		 FROM pg_stat_activity
		 WHERE state = 'active'
		   AND query ILIKE 'CREATE INDEX%'
		   AND query_start < now() - $1::interval`,
		intervalLiteral(olderThan))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var act Activity
		if err := rows.Scan(&act.PID, &act.Query, &act.Started); err != nil {
			return nil, Translate(err)
		}
		out = append(out, act)
	}
	return out, rows.Err()
}

// CancelBackend asks Postgres to cancel the backend's current statement.
func (a *Adapter) CancelBackend(ctx context.Context, pid int) error {
	_, err := a.Exec(ctx, "SELECT pg_cancel_backend($1)", pid)
	return err
}

func intervalLiteral(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int(d.Seconds()))
}
