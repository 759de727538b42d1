package sqlite

import (
	"context"
	"strings"
	"time"

	relay "github.com/eugener/shadowfax/internal"
)

// InsertTraces batch-inserts trace records.
func (s *Store) InsertTraces(ctx context.Context, records []relay.TraceRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 10
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.TraceID, r.KeyID, r.Model,
			r.StatusCode, r.FailureKind, r.Attempts, r.LatencyMs,
			r.InputTokens, r.OutputTokens,
			r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO traces
		(trace_id, key_id, model, status_code, failure_kind, attempts,
		 latency_ms, input_tokens, output_tokens, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// QueryTraces returns trace records matching the filter, newest first.
func (s *Store) QueryTraces(ctx context.Context, f relay.TraceFilter) ([]relay.TraceRecord, error) {
	where, args := traceWhere(f)
	query := `SELECT trace_id, key_id, model, status_code, failure_kind, attempts,
		latency_ms, input_tokens, output_tokens, created_at
		FROM traces` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relay.TraceRecord
	for rows.Next() {
		var r relay.TraceRecord
		var createdAt string
		err := rows.Scan(
			&r.TraceID, &r.KeyID, &r.Model,
			&r.StatusCode, &r.FailureKind, &r.Attempts, &r.LatencyMs,
			&r.InputTokens, &r.OutputTokens, &createdAt,
		)
		if err != nil {
			return nil, err
		}
		if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountTraces returns the count of trace records matching the filter.
func (s *Store) CountTraces(ctx context.Context, f relay.TraceFilter) (int, error) {
	where, args := traceWhere(f)
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM traces`+where, args...,
	).Scan(&n)
	return n, err
}

// PruneTraces deletes records older than the cutoff, returning the count.
func (s *Store) PruneTraces(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM traces WHERE created_at < ?`,
		olderThan.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func traceWhere(f relay.TraceFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.KeyID != "" {
		clauses = append(clauses, "key_id = ?")
		args = append(args, f.KeyID)
	}
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if f.Since != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
