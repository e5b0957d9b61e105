package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docextract/internal/model"
)

// placeholder renders the n-th (1-based) bind parameter for a dialect.
type placeholder func(n int) string

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

func question(int) string { return "?" }

// buildStatusUpdate renders the compare-and-set UPDATE for a status change.
func buildStatusUpdate(id string, upd StatusUpdate, now time.Time, ph placeholder) (string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = "+ph(len(args)))
	}

	add("status", string(upd.To))
	add("updated_at", now)
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}
	if upd.StartedAt != nil {
		add("started_at", *upd.StartedAt)
	}
	if upd.CompletedAt != nil {
		add("completed_at", *upd.CompletedAt)
	}
	if upd.Progress != nil {
		add("progress", *upd.Progress)
	}
	if upd.DocumentsProcessed != nil {
		add("documents_processed", *upd.DocumentsProcessed)
	}
	if upd.DocumentsFailed != nil {
		add("documents_failed", *upd.DocumentsFailed)
	}
	if upd.ResetConsecutiveFailures {
		sets = append(sets, "consecutive_failures = 0")
	}

	args = append(args, id)
	query := "UPDATE processing_jobs SET " + strings.Join(sets, ", ") + " WHERE id = " + ph(len(args))

	if len(upd.From) > 0 {
		marks := make([]string, len(upd.From))
		for i, st := range upd.From {
			args = append(args, string(st))
			marks[i] = ph(len(args))
		}
		query += " AND status IN (" + strings.Join(marks, ", ") + ")"
	}
	return query, args
}

// encodeValue marshals an extraction value; nil stays NULL.
func encodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "marshal extraction value")
	}
	return b, nil
}

func decodeValue(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func encodeJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "marshal json column")
	}
	return b, nil
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return eris.Wrap(json.Unmarshal(raw, dst), "unmarshal json column")
}

// prepareExtractions fills missing ids and timestamps.
func prepareExtractions(rows []model.Extraction, now time.Time, newID func() string) {
	for i := range rows {
		if rows[i].ID == "" {
			rows[i].ID = newID()
		}
		if rows[i].CreatedAt.IsZero() {
			rows[i].CreatedAt = now
		}
	}
}

// wordCount mirrors the upstream text extractor's whitespace split.
func wordCount(s string) int {
	return len(strings.Fields(s))
}
