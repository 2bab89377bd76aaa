package pipelineconfig

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return New(db), mock, func() { db.Close() }
}

func TestVisionModel_Configured(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT vision_model, text_model").
		WithArgs("pdf_analysis").
		WillReturnRows(sqlmock.NewRows([]string{"vision_model", "text_model"}).AddRow("llava", "llama3"))

	model, err := s.VisionModel(context.Background(), "pdf_analysis")
	require.NoError(t, err)
	require.Equal(t, "llava", model)
}

func TestVisionModel_Missing(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT vision_model, text_model").
		WithArgs("pdf_analysis").
		WillReturnError(sql.ErrNoRows)

	_, err := s.VisionModel(context.Background(), "pdf_analysis")
	require.Error(t, err)
}

func TestResolveTemplateID_ExplicitOverrideWins(t *testing.T) {
	s, _, cleanup := newMockStore(t)
	defer cleanup()

	selected := int64(99)
	id, err := s.ResolveTemplateID(context.Background(), 1, &selected, 5)
	require.NoError(t, err)
	require.Equal(t, int64(99), id)
}

func TestResolveTemplateID_FallsBackToConfiguredDefault(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id FROM analysis_templates WHERE company_id").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT id FROM analysis_templates WHERE is_default").
		WillReturnError(sql.ErrNoRows)

	id, err := s.ResolveTemplateID(context.Background(), 1, nil, 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), id)
}

func TestResolveTemplateID_FailsHardWhenNothingConfigured(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id FROM analysis_templates WHERE company_id").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT id FROM analysis_templates WHERE is_default").
		WillReturnError(sql.ErrNoRows)

	_, err := s.ResolveTemplateID(context.Background(), 1, nil, 0)
	require.Error(t, err)
	var cfgErr *ErrMissingConfig
	require.ErrorAs(t, err, &cfgErr)
}
