// Package pipelineconfig reads the operator-maintained configuration tables
// the pipeline driver consults at the start of every phase: which vision/text
// model to call, which prompt to send, and which analysis template governs
// P3. Phase preconditions are read fresh every time (no caching, no silent
// fallback) per SPEC_FULL.md §4.3: a missing key fails the phase hard.
package pipelineconfig

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrMissingConfig is the config_missing error kind from SPEC_FULL.md §7: a
// phase precondition (model, prompt, template) has no configured value.
type ErrMissingConfig struct {
	Key string
}

func (e *ErrMissingConfig) Error() string {
	return fmt.Sprintf("no %s configured", e.Key)
}

// Store reads model_configs, pipeline_prompts, and analysis_templates.
type Store struct {
	DB *sql.DB
}

// New constructs a pipeline configuration reader over the queue store's database.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Models returns the vision and text model configured for a task type.
// Either may be empty if the configuration only named one; callers should
// treat an empty value as missing.
func (s *Store) Models(ctx context.Context, taskType string) (visionModel, textModel string, err error) {
	err = s.DB.QueryRowContext(ctx, `
		SELECT vision_model, text_model FROM model_configs WHERE task_type = $1
	`, taskType).Scan(&visionModel, &textModel)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", &ErrMissingConfig{Key: "vision model/text model for " + taskType}
	}
	if err != nil {
		return "", "", err
	}
	return visionModel, textModel, nil
}

// VisionModel returns the configured vision model for a task type, failing
// with ErrMissingConfig if absent or blank.
func (s *Store) VisionModel(ctx context.Context, taskType string) (string, error) {
	vision, _, err := s.Models(ctx, taskType)
	if err != nil {
		return "", err
	}
	if vision == "" {
		return "", &ErrMissingConfig{Key: "vision model"}
	}
	return vision, nil
}

// TextModel returns the configured text model for a task type, failing with
// ErrMissingConfig if absent or blank.
func (s *Store) TextModel(ctx context.Context, taskType string) (string, error) {
	_, text, err := s.Models(ctx, taskType)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", &ErrMissingConfig{Key: "text model"}
	}
	return text, nil
}

// Prompt returns the configured prompt for a (task type, phase) pair.
func (s *Store) Prompt(ctx context.Context, taskType, phase string) (string, error) {
	var prompt string
	err := s.DB.QueryRowContext(ctx, `
		SELECT prompt FROM pipeline_prompts WHERE task_type = $1 AND phase = $2
	`, taskType, phase).Scan(&prompt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &ErrMissingConfig{Key: fmt.Sprintf("prompt for %s/%s", taskType, phase)}
	}
	if err != nil {
		return "", err
	}
	if prompt == "" {
		return "", &ErrMissingConfig{Key: fmt.Sprintf("prompt for %s/%s", taskType, phase)}
	}
	return prompt, nil
}

// ResolveTemplateID decides which analysis template governs P3, per the
// decided Open Question in SPEC_FULL.md §9: selectedTemplateID (an explicit
// processing_options override) wins; then a company-specific template; then
// the single global default row; then the operator-configured
// defaultTemplateID. If none apply, the phase fails with config_missing
// rather than silently defaulting to a hardcoded id.
func (s *Store) ResolveTemplateID(ctx context.Context, companyID int64, selectedTemplateID *int64, defaultTemplateID int) (int64, error) {
	if selectedTemplateID != nil && *selectedTemplateID > 0 {
		return *selectedTemplateID, nil
	}

	var companyTemplateID int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT id FROM analysis_templates WHERE company_id = $1 ORDER BY id DESC LIMIT 1
	`, companyID).Scan(&companyTemplateID)
	switch {
	case err == nil:
		return companyTemplateID, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, err
	}

	var globalDefaultID int64
	err = s.DB.QueryRowContext(ctx, `
		SELECT id FROM analysis_templates WHERE is_default = true LIMIT 1
	`).Scan(&globalDefaultID)
	switch {
	case err == nil:
		return globalDefaultID, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, err
	}

	if defaultTemplateID > 0 {
		return int64(defaultTemplateID), nil
	}

	return 0, &ErrMissingConfig{Key: "analysis template (no company template, no default template, DEFAULT_TEMPLATE_ID unset)"}
}
