package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/portal/internal/model"
)

const defaultJournalLimit = 100

func (s *Store) InsertJournal(ctx context.Context, e model.JournalEntry) (model.JournalEntry, error) {
	if strings.TrimSpace(e.CommandID) == "" {
		return model.JournalEntry{}, fmt.Errorf("insert journal: command id is required")
	}
	if e.JournalID == "" {
		e.JournalID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if e.Elapsed < 0 {
		e.Elapsed = 0
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO command_journal(journal_id, command_id, code, error, fields_json, at, elapsed_us)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, e.JournalID, e.CommandID, e.Code, nullIfEmpty(e.Error), nullIfEmpty(e.Fields), ts(e.At), e.Elapsed.Microseconds())
	if err != nil {
		if isUniqueErr(err) {
			return model.JournalEntry{}, ErrDuplicate
		}
		return model.JournalEntry{}, fmt.Errorf("insert journal: %w", err)
	}
	return e, nil
}

type JournalFilter struct {
	CommandID  string
	FailedOnly bool
	Since      time.Time
	Limit      int
}

// ListJournal returns entries newest first.
func (s *Store) ListJournal(ctx context.Context, f JournalFilter) ([]model.JournalEntry, error) {
	query := `SELECT journal_id, command_id, code, error, fields_json, at, elapsed_us FROM command_journal`
	var (
		where []string
		args  []any
	)
	if f.CommandID != "" {
		where = append(where, "command_id = ?")
		args = append(args, f.CommandID)
	}
	if f.FailedOnly {
		where = append(where, "code != ''")
	}
	if !f.Since.IsZero() {
		where = append(where, "at >= ?")
		args = append(args, ts(f.Since))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultJournalLimit
	}
	query += " ORDER BY at DESC, journal_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()
	out := make([]model.JournalEntry, 0)
	for rows.Next() {
		var (
			e         model.JournalEntry
			errText   sql.NullString
			fields    sql.NullString
			at        string
			elapsedUS int64
		)
		if err := rows.Scan(&e.JournalID, &e.CommandID, &e.Code, &errText, &fields, &at, &elapsedUS); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.Error = errText.String
		e.Fields = fields.String
		e.Elapsed = time.Duration(elapsedUS) * time.Microsecond
		if e.At, err = parseTS(at); err != nil {
			return nil, fmt.Errorf("parse journal at: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return out, nil
}

// PurgeJournal deletes entries older than cutoff and reports how many went.
func (s *Store) PurgeJournal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM command_journal WHERE at < ?`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge journal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge journal rows: %w", err)
	}
	return n, nil
}
