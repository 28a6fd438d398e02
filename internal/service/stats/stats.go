// Package stats persists operation records and answers the admin queries over them.
package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pdfbot/internal/models"
)

const maxDetailLen = 500

// Service stores operation records.
type Service struct {
	db *sql.DB
}

// NewService builds a stats service on an already migrated database.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Record appends one operation record and fills its ID.
func (s *Service) Record(ctx context.Context, rec *models.OperationRecord) error {
	if rec == nil {
		return errors.New("record is nil")
	}
	if rec.UserID == 0 || rec.Operation == "" {
		return errors.New("user_id and operation are required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	detail := rec.Detail
	if len(detail) > maxDetailLen {
		detail = detail[:maxDetailLen]
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO operation_records (user_id, operation, outcome, error_kind, detail, inputs, pages, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, string(rec.Operation), string(rec.Outcome), string(rec.ErrorKind), detail,
		rec.Inputs, rec.Pages, rec.Duration.Milliseconds(), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert operation record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("record id: %w", err)
	}
	rec.ID = id
	return nil
}

// OperationCount splits the records of one operation by outcome.
type OperationCount struct {
	Success int64 `json:"success"`
	Failure int64 `json:"failure"`
}

// Summary aggregates records created since a point in time.
type Summary struct {
	Since       time.Time                               `json:"since"`
	Total       int64                                   `json:"total"`
	Successes   int64                                   `json:"successes"`
	Failures    int64                                   `json:"failures"`
	Users       int64                                   `json:"users"`
	Pages       int64                                   `json:"pages"`
	ByOperation map[models.OperationKind]OperationCount `json:"by_operation"`
	ByError     map[models.ErrorKind]int64              `json:"by_error"`
}

// Summary counts records grouped by operation and error kind.
func (s *Service) Summary(ctx context.Context, since time.Time) (*Summary, error) {
	sum := &Summary{
		Since:       since,
		ByOperation: make(map[models.OperationKind]OperationCount),
		ByError:     make(map[models.ErrorKind]int64),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT operation, outcome, error_kind, COUNT(*), COALESCE(SUM(pages), 0)
		 FROM operation_records WHERE created_at >= ?
		 GROUP BY operation, outcome, error_kind`, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			op, outcome, kind string
			count, pages      int64
		)
		if err := rows.Scan(&op, &outcome, &kind, &count, &pages); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		c := sum.ByOperation[models.OperationKind(op)]
		if models.Outcome(outcome) == models.OutcomeSuccess {
			c.Success += count
			sum.Successes += count
		} else {
			c.Failure += count
			sum.Failures += count
			if kind != "" {
				sum.ByError[models.ErrorKind(kind)] += count
			}
		}
		sum.ByOperation[models.OperationKind(op)] = c
		sum.Total += count
		sum.Pages += pages
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT user_id) FROM operation_records WHERE created_at >= ?`, since,
	).Scan(&sum.Users); err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	return sum, nil
}

// UserStats describes the activity of one user.
type UserStats struct {
	UserID     int64      `json:"user_id"`
	Operations int64      `json:"operations"`
	Failures   int64      `json:"failures"`
	Pages      int64      `json:"pages"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
}

// UserStats returns the totals of one user. Users without records get zero counts.
func (s *Service) UserStats(ctx context.Context, userID int64) (*UserStats, error) {
	st := &UserStats{UserID: userID}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(pages), 0)
		 FROM operation_records WHERE user_id = ?`,
		string(models.OutcomeFailure), userID,
	).Scan(&st.Operations, &st.Failures, &st.Pages); err != nil {
		return nil, fmt.Errorf("query user stats: %w", err)
	}

	var last time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM operation_records WHERE user_id = ? ORDER BY created_at DESC LIMIT 1`, userID,
	).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("query last operation: %w", err)
	default:
		st.LastSeen = &last
	}
	return st, nil
}

// RecentFailures lists the newest failed records, newest first.
func (s *Service) RecentFailures(ctx context.Context, limit int) ([]models.OperationRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, operation, outcome, error_kind, detail, inputs, pages, duration_ms, created_at
		 FROM operation_records WHERE outcome = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		string(models.OutcomeFailure), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var out []models.OperationRecord
	for rows.Next() {
		var (
			rec                    models.OperationRecord
			op, outcome, errorKind string
			durationMS             int64
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &op, &outcome, &errorKind, &rec.Detail,
			&rec.Inputs, &rec.Pages, &durationMS, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		rec.Operation = models.OperationKind(op)
		rec.Outcome = models.Outcome(outcome)
		rec.ErrorKind = models.ErrorKind(errorKind)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}
	return out, nil
}

// Prune deletes records older than before and reports how many were removed.
func (s *Service) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM operation_records WHERE created_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("prune records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
