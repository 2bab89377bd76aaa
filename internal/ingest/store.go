// Package ingest implements the Result Ingestion Endpoints (SPEC_FULL.md
// §4.5): the inbound HTTP surface the GPU worker calls back into to report
// progress and deliver phase results. Grounded on the original's
// internal.py, adapted to the document_id-keyed schema and to
// SPEC_FULL.md's tolerant-of-unknown-document_id requirement (§7, Scenario G).
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Store persists GPU callback results against the documents,
// processing_queue, specialized_analysis_results, and extraction_experiments
// tables.
type Store struct {
	DB *sql.DB
}

// NewStore constructs a result-ingestion store over the shared database.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// UpdateDeckResults records the terminal outcome of a PDF analysis task
// against both documents and processing_queue, mirroring update_deck_results.
// Unlike the original, a missing document_id is reported via found=false
// rather than an error: SPEC_FULL.md requires the GPU caller never see a
// 404/500 for a race against a deleted or not-yet-visible document.
// Any processingStatus other than "completed" is recorded as "failed" on both
// the documents row and the queue row.
func (s *Store) UpdateDeckResults(ctx context.Context, documentID int64, resultsFilePath, processingStatus string) (found bool, err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	queueStatus := "failed"
	if processingStatus == "completed" {
		queueStatus = "completed"
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE documents SET processing_status = $1, results_file_path = $2 WHERE id = $3
	`, queueStatus, resultsFilePath, documentID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	found = rows > 0

	if _, err := tx.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = $1,
		    completed_at = now(),
		    results_file_path = $2,
		    progress_percentage = 100,
		    current_step = 'Analysis Complete',
		    progress_message = 'PDF analysis completed successfully'
		WHERE document_id = $3 AND status = 'processing'
	`, queueStatus, resultsFilePath, documentID); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return found, nil
}

// SaveSpecializedAnalysis replaces the specialized analysis rows for a
// document with the non-empty entries of analysis, mirroring
// save_specialized_analysis's delete-then-insert. The keys are sorted before
// insertion so saved order (and therefore log/test output) is deterministic.
func (s *Store) SaveSpecializedAnalysis(ctx context.Context, documentID int64, analysis map[string]string) (saved []string, err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM specialized_analysis_results WHERE document_id = $1
	`, documentID); err != nil {
		return nil, err
	}

	types := make([]string, 0, len(analysis))
	for analysisType := range analysis {
		types = append(types, analysisType)
	}
	sort.Strings(types)

	for _, analysisType := range types {
		result := strings.TrimSpace(analysis[analysisType])
		if result == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO specialized_analysis_results (document_id, analysis_type, analysis_result)
			VALUES ($1, $2, $3)
			ON CONFLICT (document_id, analysis_type) DO UPDATE
			SET analysis_result = EXCLUDED.analysis_result, created_at = now()
		`, documentID, analysisType, jsonString(result)); err != nil {
			return nil, err
		}
		saved = append(saved, analysisType)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return saved, nil
}

// jsonString wraps a plain-text analysis result as a JSON string so it fits
// analysis_result's JSONB column.
func jsonString(s string) string {
	encoded, _ := json.Marshal(s)
	return string(encoded)
}

// SaveTemplateProcessing attaches P3's per-chapter results to the most
// recent extraction_experiments row for the document, creating one if none
// exists yet — mirroring save_template_processing's upsert-by-latest logic.
func (s *Store) SaveTemplateProcessing(ctx context.Context, documentID int64, experimentName string, resultsJSON json.RawMessage) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var experimentID int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM extraction_experiments WHERE document_id = $1 ORDER BY created_at DESC LIMIT 1
	`, documentID).Scan(&experimentID)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx, `
			UPDATE extraction_experiments
			SET template_processing_results_json = $1, template_processing_completed_at = now()
			WHERE id = $2
		`, []byte(resultsJSON), experimentID); err != nil {
			return err
		}
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO extraction_experiments (
				document_id, experiment_name, extraction_type, text_model_used,
				results_json, template_processing_results_json, template_processing_completed_at
			) VALUES ($1, $2, 'startup_upload', 'auto', '{}'::jsonb, $3, now())
		`, documentID, experimentName, []byte(resultsJSON)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("lookup extraction experiment: %w", err)
	}

	return tx.Commit()
}
