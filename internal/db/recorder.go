package db

import (
	"context"
	"log/slog"

	"github.com/g960059/portal/internal/dispatch"
	"github.com/g960059/portal/internal/model"
	"github.com/g960059/portal/internal/security"
)

// JournalRecorder writes every dispatched command to the command journal with
// credentials redacted.
type JournalRecorder struct {
	store  *Store
	skip   map[string]struct{}
	logger *slog.Logger
}

// NewJournalRecorder journals through store. Commands named in skip are not
// recorded; hot read paths such as get_location usually belong there.
func NewJournalRecorder(store *Store, logger *slog.Logger, skip ...string) *JournalRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	set := make(map[string]struct{}, len(skip))
	for _, id := range skip {
		set[id] = struct{}{}
	}
	return &JournalRecorder{store: store, skip: set, logger: logger}
}

func (r *JournalRecorder) RecordCommand(ctx context.Context, rec dispatch.Record) {
	if _, ok := r.skip[rec.CommandID]; ok {
		return
	}
	entry := model.JournalEntry{
		CommandID: rec.CommandID,
		Code:      rec.Code,
		Error:     security.RedactError(rec.Err),
		Fields:    security.RedactEnvelope(rec.Request),
		At:        rec.At,
		Elapsed:   rec.Elapsed,
	}
	if _, err := r.store.InsertJournal(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Warn("journal write failed", "command", rec.CommandID, "err", err)
	}
}
