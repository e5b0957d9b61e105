package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/docextract/internal/llm"
	"github.com/sells-group/docextract/internal/model"
	"github.com/sells-group/docextract/internal/parse"
	"github.com/sells-group/docextract/internal/postprocess"
	"github.com/sells-group/docextract/internal/progress"
	"github.com/sells-group/docextract/internal/resilience"
	"github.com/sells-group/docextract/internal/store"
)

// errDocumentMissing marks a document id with no stored document.
var errDocumentMissing = eris.New("worker: document not found")

// processDocument extracts one document and commits its rows together with
// the job counters. It reports whether the document failed; an error means
// the commit itself failed.
func (w *Worker) processDocument(ctx context.Context, r *run, docID string) (bool, error) {
	job := r.job
	log := zap.L().With(zap.String("job_id", job.ID), zap.String("document_id", docID))
	started := w.now()

	rows, extractErr := w.extractDocument(ctx, r, docID)
	if extractErr != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	missing := errors.Is(extractErr, errDocumentMissing)

	next := *job
	var docErr error
	err := w.store.InTx(ctx, func(tx store.Tx) error {
		docErr = extractErr
		if docErr == nil {
			docErr = tx.Savepoint(ctx, func(sp store.Tx) error {
				if _, err := sp.DeleteExtractions(ctx, job.ID, docID); err != nil {
					return err
				}
				return sp.InsertExtractions(ctx, rows)
			})
		}

		elapsed := w.now().Sub(started).Seconds()
		next = *job
		next.ObserveDuration(elapsed)

		var entry *model.ProcessingLog
		if docErr == nil {
			next.DocumentsProcessed++
			next.ConsecutiveFailures = 0
			entry = &model.ProcessingLog{
				JobID:      job.ID,
				EventType:  model.EventDocCompleted,
				Level:      model.LevelInfo,
				Message:    fmt.Sprintf("Extracted %d values", len(rows)),
				DocumentID: docID,
				Metadata:   map[string]any{"extractions": len(rows), "elapsed_seconds": elapsed},
			}
		} else {
			next.DocumentsFailed++
			level := model.LevelError
			if missing {
				level = model.LevelWarning
			} else {
				next.ConsecutiveFailures++
			}
			entry = &model.ProcessingLog{
				JobID:      job.ID,
				EventType:  model.EventDocFailed,
				Level:      level,
				Message:    docErr.Error(),
				DocumentID: docID,
				Metadata:   map[string]any{"elapsed_seconds": elapsed, "consecutive_failures": next.ConsecutiveFailures},
			}
		}
		next.Progress = next.ComputeProgress()

		if err := tx.AppendLog(ctx, &model.ProcessingLog{
			JobID:      job.ID,
			EventType:  model.EventDocStarted,
			Level:      model.LevelInfo,
			Message:    "Document started",
			DocumentID: docID,
			CreatedAt:  started,
		}); err != nil {
			return err
		}
		if err := tx.UpdateJobProgress(ctx, &next); err != nil {
			return err
		}
		return tx.AppendLog(ctx, entry)
	})
	if err != nil {
		return false, eris.Wrapf(err, "worker: commit document %s", docID)
	}
	*job = next
	r.attempted++

	if docErr == nil {
		log.Debug("worker: document completed", zap.Int("extractions", len(rows)))
		w.publish(ctx, job.ID, progress.EventDocumentCompleted, progress.DocumentPayload(docID, map[string]any{
			"extractions": len(rows),
		}))
	} else {
		log.Warn("worker: document failed", zap.Bool("missing", missing), zap.Error(docErr))
		w.publish(ctx, job.ID, progress.EventDocumentFailed, progress.DocumentPayload(docID, map[string]any{
			"error": docErr.Error(),
		}))
	}
	w.publish(ctx, job.ID, progress.EventProgress, progress.ProgressPayload(job))

	if r.attempted%w.opts.CheckpointEvery == 0 {
		zap.L().Info("worker: checkpoint",
			zap.String("job_id", job.ID),
			zap.Int("progress", job.Progress),
			zap.Int("documents_processed", job.DocumentsProcessed),
			zap.Int("documents_failed", job.DocumentsFailed),
			zap.Float64("eta_seconds", job.ETASeconds()),
		)
	}
	return docErr != nil, nil
}

// extractDocument resolves the document text and produces one row per
// variable, or per variable and entity for entity-level projects.
func (w *Worker) extractDocument(ctx context.Context, r *run, docID string) ([]model.Extraction, error) {
	doc, err := w.store.GetDocument(ctx, docID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(errDocumentMissing, "document %s", docID)
		}
		return nil, eris.Wrap(err, "worker: load document")
	}
	segments, err := w.segments(ctx, doc)
	if err != nil {
		return nil, err
	}

	if !r.project.IsEntityLevel() {
		return w.extractVariables(ctx, r, docID, segments, nil)
	}

	unit := r.project.UnitOfObservation
	entities := w.entities.IdentifyDocument(ctx, segments, unit.EntityIdentificationPattern, unit.WhatEachRowRepresents)
	var rows []model.Extraction
	for i := range entities {
		ent := entities[i]
		got, err := w.extractVariables(ctx, r, docID, entitySegments(ent, segments), &ent)
		if err != nil {
			return nil, err
		}
		rows = append(rows, got...)
	}
	return rows, nil
}

// segments returns the ordered chunk texts of a chunked document, otherwise
// its full text.
func (w *Worker) segments(ctx context.Context, doc *model.Document) ([]string, error) {
	if doc.ChunkCount > 0 {
		chunks, err := w.store.GetChunks(ctx, doc.ID)
		if err != nil {
			return nil, eris.Wrap(err, "worker: load chunks")
		}
		if len(chunks) > 0 {
			out := make([]string, len(chunks))
			for i, c := range chunks {
				out[i] = c.Text
			}
			return out, nil
		}
	}
	return []string{doc.Content}, nil
}

// entitySegments scopes every segment to one entity.
func entitySegments(ent model.Entity, segments []string) []string {
	header := "ENTITY: " + ent.Label
	if ent.Text != "" {
		header += "\nENTITY EXCERPT:\n" + ent.Text
	}
	out := make([]string, len(segments))
	for i, seg := range segments {
		out[i] = header + "\n\n" + seg
	}
	return out
}

// extractVariables runs every variable over the segments. Results keep the
// variable order regardless of concurrency.
func (w *Worker) extractVariables(ctx context.Context, r *run, docID string, segments []string, ent *model.Entity) ([]model.Extraction, error) {
	rows := make([]model.Extraction, len(r.variables))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.VariableConcurrency)
	for i, bv := range r.variables {
		g.Go(func() error {
			row, err := w.extractVariable(gctx, bv, segments)
			if err != nil {
				return err
			}
			row.JobID = r.job.ID
			row.DocumentID = docID
			row.EntityIndex = model.NoEntity
			if ent != nil {
				row.EntityIndex = ent.Index
				row.EntityText = ent.StoredText()
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

// extractVariable extracts one variable from every segment, keeps the most
// confident reply and post-processes it. A reply that stayed unparseable
// after retries becomes a FAILED row carrying the raw response.
func (w *Worker) extractVariable(ctx context.Context, bv boundVariable, segments []string) (model.Extraction, error) {
	v := bv.variable
	var best parse.Result
	found := false
	var parseErr *llm.ClientError

	for idx, text := range segments {
		res, err := w.extractor.Extract(ctx, bv.prompt.Text, bv.prompt.ModelConfig, text)
		if err != nil {
			var ce *llm.ClientError
			if errors.As(err, &ce) && ce.Kind == resilience.KindParseFailure {
				parseErr = ce
				continue
			}
			return model.Extraction{}, eris.Wrapf(err, "worker: extract %s from segment %d", v.Name, idx)
		}
		if !found || res.Confidence > best.Confidence {
			best = res
			found = true
		}
	}

	if !found {
		raw := ""
		if parseErr != nil {
			raw = parseErr.Raw
		}
		return model.Extraction{
			VariableID:    v.ID,
			Status:        model.ExtractionFailed,
			ErrorMessage:  "model reply could not be parsed",
			PromptVersion: bv.prompt.Version,
			RawResponse:   raw,
		}, nil
	}

	out := postprocess.Process(best.Value, best.Confidence, v)
	return model.Extraction{
		VariableID:    v.ID,
		Value:         out.Value,
		Confidence:    out.Confidence,
		SourceText:    best.SourceText,
		Status:        out.Status(),
		ErrorMessage:  out.ErrorMessage,
		PromptVersion: bv.prompt.Version,
		RawResponse:   best.Raw,
	}, nil
}
