package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewStore(db), mock, func() { db.Close() }
}

func TestUpdateDeckResults_Found(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE documents").
		WithArgs("completed", "/results/1.json", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE processing_queue").
		WithArgs("completed", "/results/1.json", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	found, err := s.UpdateDeckResults(context.Background(), 1, "/results/1.json", "completed")
	require.NoError(t, err)
	assert.True(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDeckResults_UnknownDocumentReportsNotFound(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE documents").
		WithArgs("failed", "", int64(9999)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE processing_queue").
		WithArgs("failed", "", int64(9999)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	found, err := s.UpdateDeckResults(context.Background(), 9999, "", "error")
	require.NoError(t, err)
	assert.False(t, found, "an unknown document must be reported, not errored")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSpecializedAnalysis_SkipsEmptyResults(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM specialized_analysis_results").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO specialized_analysis_results").
		WithArgs(int64(7), "clinical_validation", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	saved, err := s.SaveSpecializedAnalysis(context.Background(), 7, map[string]string{
		"clinical_validation": "looks solid",
		"regulatory_pathway":  "   ",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"clinical_validation"}, saved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTemplateProcessing_UpdatesExistingExperiment(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM extraction_experiments").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec("UPDATE extraction_experiments").
		WithArgs(sqlmock.AnyArg(), int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SaveTemplateProcessing(context.Background(), 3, "startup-upload-3", json.RawMessage(`{"chapters":[]}`))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTemplateProcessing_CreatesWhenNoneExists(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM extraction_experiments").
		WithArgs(int64(3)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO extraction_experiments").
		WithArgs(int64(3), "startup-upload-3", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.SaveTemplateProcessing(context.Background(), 3, "startup-upload-3", json.RawMessage(`{"chapters":[]}`))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
