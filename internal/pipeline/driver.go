// Package pipeline is the Pipeline Driver (SPEC_FULL.md §4.3): it leases one
// task at a time from the Queue Manager and drives it through the GPU Worker
// Client's phases, writing progress at every phase boundary and translating
// phase outcomes into completion or retry.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/halbzeit/pitchqueue/internal/gpuclient"
	"github.com/halbzeit/pitchqueue/internal/logging"
	"github.com/halbzeit/pitchqueue/internal/metrics"
	"github.com/halbzeit/pitchqueue/internal/pipelineconfig"
	"github.com/halbzeit/pitchqueue/internal/queue"
)

// Phase names used in progress steps and metrics labels; last_error prefixes
// use phaseLabel's human-readable form instead.
const (
	PhaseVisualAnalysis  = "visual_analysis"
	PhaseExtraction      = "extraction"
	PhaseTemplate        = "template_analysis"
	PhaseSpecialized     = "specialized_analysis"
	PhaseFinalize        = "finalize"
)

// Failure kinds recorded against metrics.RecordPhase and used to classify
// last_error, per SPEC_FULL.md §7.
const (
	KindTimeout       = "phase_timeout"
	KindUpstream      = "phase_upstream"
	KindRejected      = "phase_rejected"
	KindConfigMissing = "config_missing"
)

// Options configures a Driver.
type Options struct {
	// BackendBaseURL is handed to the GPU as the callback_url base for P3/P4.
	BackendBaseURL string
	// DefaultTemplateID is the operator-configured template fallback
	// (SPEC_FULL.md §9's decided Open Question).
	DefaultTemplateID int
	// PollInterval is how long a driver sleeps after finding no eligible task.
	PollInterval time.Duration
}

// QueueClient is the subset of *queue.Manager the driver needs. Defined here
// so tests can drive the driver against a hand-rolled fake instead of a live
// Postgres-backed Manager.
type QueueClient interface {
	GetNextTask(ctx context.Context) (*queue.Task, error)
	UpdateTaskProgress(ctx context.Context, taskID int64, percent int, step, message string, stepData map[string]any) error
	CompleteTask(ctx context.Context, taskID int64, success bool, resultsPath, errMessage string, metadata map[string]any) error
	CompleteTaskAndCreateSpecialized(ctx context.Context, taskID, documentID int64, success bool, resultsPath, errMessage string, metadata map[string]any, filePath string, companyID int64, options map[string]any) ([]int64, error)
}

// GPUClient is the subset of *gpuclient.Client the driver calls.
type GPUClient interface {
	RunVisualAnalysisBatch(ctx context.Context, req gpuclient.VisualAnalysisRequest) (*gpuclient.VisualAnalysisResponse, error)
	AnalyzeImages(ctx context.Context, req gpuclient.AnalyzeImagesRequest) (*gpuclient.AnalyzeImagesResponse, error)
	RunExtractionExperiment(ctx context.Context, req gpuclient.ExtractionRequest) (*gpuclient.ExtractionResponse, error)
	RunTemplateProcessingOnly(ctx context.Context, req gpuclient.TemplateProcessingRequest) (*gpuclient.TemplateProcessingResponse, error)
	RunSpecializedAnalysisOnly(ctx context.Context, req gpuclient.SpecializedOnlyRequest) (*gpuclient.SpecializedOnlyResponse, error)
}

// ConfigStore is the subset of *pipelineconfig.Store the driver reads from at
// each phase start.
type ConfigStore interface {
	VisionModel(ctx context.Context, taskType string) (string, error)
	TextModel(ctx context.Context, taskType string) (string, error)
	Prompt(ctx context.Context, taskType, phase string) (string, error)
	ResolveTemplateID(ctx context.Context, companyID int64, selectedTemplateID *int64, defaultTemplateID int) (int64, error)
}

// Driver advances one leased task at a time through P1→P4→Finalize.
type Driver struct {
	queue   QueueClient
	gpu     GPUClient
	cfg     ConfigStore
	opts    Options
	log     *logging.Logger
	metrics *metrics.Metrics
}

// New constructs a Driver.
func New(qm QueueClient, gpu GPUClient, cfg ConfigStore, opts Options, log *logging.Logger, m *metrics.Metrics) *Driver {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if log == nil {
		log = logging.NewFromEnv("pipeline-driver")
	}
	return &Driver{queue: qm, gpu: gpu, cfg: cfg, opts: opts, log: log, metrics: m}
}

// RunOnce leases and fully processes a single task. It returns leased=false
// when the queue had nothing eligible, so the caller can sleep before
// polling again.
func (d *Driver) RunOnce(ctx context.Context) (leased bool, err error) {
	task, err := d.queue.GetNextTask(ctx)
	if err != nil {
		if isNoEligibleTask(err) {
			return false, nil
		}
		return false, err
	}

	start := time.Now()
	log := d.log.WithFields(map[string]interface{}{
		"task_id": task.ID, "document_id": task.DocumentID, "task_type": string(task.TaskType),
	})
	log.Info("task leased")

	outcome := "completed"
	if err := d.process(ctx, task); err != nil {
		outcome = "failed"
		log.WithError(err).Warn("task processing ended in failure")
	}
	if d.metrics != nil {
		d.metrics.RecordTaskTerminal(string(task.TaskType), outcome, time.Since(start))
	}
	return true, nil
}

func isNoEligibleTask(err error) bool {
	return errors.Is(err, queue.ErrNoEligibleTask)
}

// process dispatches by task type. pdf_analysis runs the full P1→P4 phase
// map; specialized_* tasks (the dependent tasks fanned out on success) run
// the same specialized-analysis endpoint on their own independent schedule,
// per the design note that dependents must not be coupled to in-task P4.
func (d *Driver) process(ctx context.Context, task *queue.Task) error {
	switch task.TaskType {
	case queue.TaskTypePDFAnalysis:
		return d.runPDFAnalysis(ctx, task)
	case queue.TaskTypeSpecializedClinical, queue.TaskTypeSpecializedRegulatory, queue.TaskTypeSpecializedScience:
		return d.runSpecializedOnly(ctx, task)
	default:
		return d.failTask(ctx, task, KindUpstream, fmt.Sprintf("unknown task type %q", task.TaskType))
	}
}

// runPDFAnalysis drives the four-phase pipeline for a top-level document.
func (d *Driver) runPDFAnalysis(ctx context.Context, task *queue.Task) error {
	if err := d.writeProgress(ctx, task.ID, 5, "queued", "Sending to GPU"); err != nil {
		return err
	}

	if err := d.runVisualAnalysis(ctx, task); err != nil {
		return err
	}
	if err := d.runExtraction(ctx, task); err != nil {
		return err
	}
	if err := d.runTemplateAnalysis(ctx, task); err != nil {
		return err
	}
	d.runSpecializedAnalysisPhase(ctx, task) // P4: failures are logged and swallowed.

	if err := d.writeProgress(ctx, task.ID, 100, "completed", "Analysis complete"); err != nil {
		return err
	}

	_, err := d.queue.CompleteTaskAndCreateSpecialized(ctx, task.ID, task.DocumentID, true, task.ResultsFilePath, "", nil, task.FilePath, task.CompanyID, task.ProcessingOptions)
	return err
}

// runVisualAnalysis is P1 (progress window 10→30), followed by slide-feedback
// generation for each produced slide image.
func (d *Driver) runVisualAnalysis(ctx context.Context, task *queue.Task) error {
	if err := d.writeProgress(ctx, task.ID, 10, PhaseVisualAnalysis, "Visual Analysis"); err != nil {
		return err
	}

	visionModel, cfgErr := d.cfg.VisionModel(ctx, string(task.TaskType))
	if cfgErr != nil {
		return d.failConfigMissing(ctx, task, PhaseVisualAnalysis, cfgErr)
	}

	start := time.Now()
	resp, err := d.gpu.RunVisualAnalysisBatch(ctx, gpuclient.VisualAnalysisRequest{
		DeckIDs:     []int64{task.DocumentID},
		FilePaths:   []string{task.FilePath},
		VisionModel: visionModel,
	})
	if failErr := d.recordPhaseOutcome(ctx, task, PhaseVisualAnalysis, start, err); failErr != nil {
		return failErr
	}

	d.generateSlideFeedback(ctx, task, resp.SlideImages)

	return d.writeProgress(ctx, task.ID, 30, PhaseVisualAnalysis, "Visual Analysis Complete")
}

// generateSlideFeedback calls /analyze-images once per slide image. Failures
// here are logged only: slide feedback is a best-effort enrichment of P1, not
// a gating condition (the spec names it as part of P1's success action, with
// no failure semantics of its own — treated like P4, logged and swallowed).
func (d *Driver) generateSlideFeedback(ctx context.Context, task *queue.Task, slideImages []string) {
	if len(slideImages) == 0 {
		return
	}
	prompt, err := d.cfg.Prompt(ctx, string(task.TaskType), "slide_feedback")
	if err != nil {
		d.log.WithFields(map[string]interface{}{"task_id": task.ID}).WithError(err).Warn("slide feedback prompt not configured, skipping")
		return
	}
	visionModel, err := d.cfg.VisionModel(ctx, string(task.TaskType))
	if err != nil {
		return
	}
	for i, image := range slideImages {
		resp, err := d.gpu.AnalyzeImages(ctx, gpuclient.AnalyzeImagesRequest{
			Images: []string{image},
			Prompt: prompt,
			Model:  visionModel,
		})
		if err != nil {
			d.log.WithFields(map[string]interface{}{"task_id": task.ID, "slide": i + 1}).WithError(err).Warn("slide feedback generation failed")
			continue
		}
		// The feedback text is not persisted: nothing in this module writes
		// slide_feedback rows, so only the slide number and the text length
		// are logged.
		d.log.WithFields(map[string]interface{}{"task_id": task.ID, "slide": i + 1, "feedback_len": len(resp.Text)}).Debug("slide feedback generated")
	}
}

// runExtraction is P2 (progress window 30→60).
func (d *Driver) runExtraction(ctx context.Context, task *queue.Task) error {
	if err := d.writeProgress(ctx, task.ID, 40, PhaseExtraction, "Data Extraction"); err != nil {
		return err
	}

	textModel, cfgErr := d.cfg.TextModel(ctx, string(task.TaskType))
	if cfgErr != nil {
		return d.failConfigMissing(ctx, task, PhaseExtraction, cfgErr)
	}

	start := time.Now()
	_, err := d.gpu.RunExtractionExperiment(ctx, gpuclient.ExtractionRequest{
		DeckIDs:        []int64{task.DocumentID},
		ExperimentName: fmt.Sprintf("task-%d", task.ID),
		ExtractionType: "all",
		TextModel:      textModel,
		Options: gpuclient.ExtractionOptions{
			Classification: true,
			CompanyName:    true,
			FundingAmount:  true,
			DeckDate:       true,
		},
	})
	if failErr := d.recordPhaseOutcome(ctx, task, PhaseExtraction, start, err); failErr != nil {
		return failErr
	}

	return d.writeProgress(ctx, task.ID, 60, PhaseExtraction, "Extraction Complete")
}

// runTemplateAnalysis is P3 (progress window 60→80). Per-chapter results
// arrive asynchronously at the Result Ingestion Endpoints.
func (d *Driver) runTemplateAnalysis(ctx context.Context, task *queue.Task) error {
	if err := d.writeProgress(ctx, task.ID, 70, PhaseTemplate, "Template Analysis"); err != nil {
		return err
	}

	selected := selectedTemplateID(task.ProcessingOptions)
	templateID, cfgErr := d.cfg.ResolveTemplateID(ctx, task.CompanyID, selected, d.opts.DefaultTemplateID)
	if cfgErr != nil {
		return d.failConfigMissing(ctx, task, PhaseTemplate, cfgErr)
	}

	start := time.Now()
	_, err := d.gpu.RunTemplateProcessingOnly(ctx, gpuclient.TemplateProcessingRequest{
		DeckIDs:    []int64{task.DocumentID},
		TemplateID: templateID,
		Options: gpuclient.TemplateProcessingOptions{
			GenerateThumbnails: true,
			CallbackURL:        d.opts.BackendBaseURL + "/internal/save-template-processing",
		},
	})
	if failErr := d.recordPhaseOutcome(ctx, task, PhaseTemplate, start, err); failErr != nil {
		return failErr
	}

	return d.writeProgress(ctx, task.ID, 80, PhaseTemplate, "Template Analysis Complete")
}

// runSpecializedAnalysisPhase is the in-task, optional P4 (progress window
// 80→95). Any failure is logged and swallowed — the task still completes.
func (d *Driver) runSpecializedAnalysisPhase(ctx context.Context, task *queue.Task) {
	if err := d.writeProgress(ctx, task.ID, 80, PhaseSpecialized, "Specialized Analysis"); err != nil {
		d.log.WithFields(map[string]interface{}{"task_id": task.ID}).WithError(err).Warn("progress write failed during P4")
		return
	}

	start := time.Now()
	_, err := d.gpu.RunSpecializedAnalysisOnly(ctx, gpuclient.SpecializedOnlyRequest{
		DeckIDs: []int64{task.DocumentID},
		Options: gpuclient.SpecializedOnlyOptions{
			CallbackURL: d.opts.BackendBaseURL + "/internal/save-specialized-analysis",
		},
	})
	if d.metrics != nil {
		kind := ""
		if err != nil {
			kind = classifyErr(err)
		}
		d.metrics.RecordPhase(PhaseSpecialized, time.Since(start), kind)
	}
	if err != nil {
		d.log.WithFields(map[string]interface{}{"task_id": task.ID}).WithError(err).Warn("P4 specialized analysis failed; swallowed per spec")
		if perr := d.queue.UpdateTaskProgress(ctx, task.ID, 95, PhaseSpecialized, "Specialized analysis failed: "+truncatedMessage(err), map[string]any{"failure_kind": classifyErr(err)}); perr != nil {
			d.log.WithFields(map[string]interface{}{"task_id": task.ID}).WithError(perr).Warn("progress write failed recording P4 failure")
		}
	}

	if err := d.writeProgress(ctx, task.ID, 95, PhaseSpecialized, "Analysis Complete"); err != nil {
		d.log.WithFields(map[string]interface{}{"task_id": task.ID}).WithError(err).Warn("progress write failed after P4")
	}
}

// runSpecializedOnly processes a dependent specialized_* task: a single call
// to the same GPU endpoint P4 uses, regenerated independently of the parent
// document's in-task P4 run.
func (d *Driver) runSpecializedOnly(ctx context.Context, task *queue.Task) error {
	if err := d.writeProgress(ctx, task.ID, 10, PhaseSpecialized, "Specialized Analysis"); err != nil {
		return err
	}

	start := time.Now()
	_, err := d.gpu.RunSpecializedAnalysisOnly(ctx, gpuclient.SpecializedOnlyRequest{
		DeckIDs: []int64{task.DocumentID},
		Options: gpuclient.SpecializedOnlyOptions{
			CallbackURL: d.opts.BackendBaseURL + "/internal/save-specialized-analysis",
		},
	})
	if failErr := d.recordPhaseOutcome(ctx, task, PhaseSpecialized, start, err); failErr != nil {
		return failErr
	}

	if err := d.writeProgress(ctx, task.ID, 100, PhaseFinalize, "completed"); err != nil {
		return err
	}
	return d.queue.CompleteTask(ctx, task.ID, true, task.ResultsFilePath, "", nil)
}

// recordPhaseOutcome records the phase's metrics and, on error, fails the
// task with a phase-prefixed, truncated upstream message (SPEC_FULL.md §7).
func (d *Driver) recordPhaseOutcome(ctx context.Context, task *queue.Task, phase string, start time.Time, err error) error {
	kind := ""
	if err != nil {
		kind = classifyErr(err)
	}
	if d.metrics != nil {
		d.metrics.RecordPhase(phase, time.Since(start), kind)
	}
	if err == nil {
		return nil
	}
	return d.failTask(ctx, task, kind, fmt.Sprintf("%s failed: %s", phaseLabel(phase), truncatedMessage(err)))
}

func classifyErr(err error) string {
	var phaseErr *gpuclient.PhaseError
	switch {
	case errors.As(err, &phaseErr):
		return KindRejected
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindUpstream
	}
}

func truncatedMessage(err error) string {
	var phaseErr *gpuclient.PhaseError
	if errors.As(err, &phaseErr) {
		return phaseErr.Truncated()
	}
	msg := err.Error()
	const max = 2 << 10
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}

// failConfigMissing fails a task for a missing phase precondition, per
// SPEC_FULL.md §7's config_missing error kind.
func (d *Driver) failConfigMissing(ctx context.Context, task *queue.Task, phase string, cfgErr error) error {
	if d.metrics != nil {
		d.metrics.RecordPhase(phase, 0, KindConfigMissing)
	}
	return d.failTask(ctx, task, KindConfigMissing, fmt.Sprintf("%s failed - %s", phaseLabel(phase), cfgErr.Error()))
}

func phaseLabel(phase string) string {
	switch phase {
	case PhaseVisualAnalysis:
		return "Visual analysis"
	case PhaseExtraction:
		return "Data extraction"
	case PhaseTemplate:
		return "Template analysis"
	case PhaseSpecialized:
		return "Specialized analysis"
	default:
		return phase
	}
}

func (d *Driver) failTask(ctx context.Context, task *queue.Task, kind, message string) error {
	d.log.WithFields(map[string]interface{}{
		"task_id": task.ID, "document_id": task.DocumentID, "kind": kind,
	}).Error(message)
	if err := d.queue.CompleteTask(ctx, task.ID, false, "", message, map[string]any{"failure_kind": kind}); err != nil {
		return err
	}
	return fmt.Errorf("%s", message)
}

func (d *Driver) writeProgress(ctx context.Context, taskID int64, percent int, step, message string) error {
	return d.queue.UpdateTaskProgress(ctx, taskID, percent, step, message, nil)
}

// selectedTemplateID extracts an explicit template override from the task's
// processing_options bag, per SPEC_FULL.md §9's "selected_template_id: int?"
// known key.
func selectedTemplateID(options map[string]any) *int64 {
	if options == nil {
		return nil
	}
	raw, ok := options["selected_template_id"]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case float64:
		id := int64(v)
		return &id
	case json.Number:
		id, err := v.Int64()
		if err != nil {
			return nil
		}
		return &id
	case int64:
		return &v
	case int:
		id := int64(v)
		return &id
	default:
		return nil
	}
}

// Pool runs N Drivers concurrently, each polling the Queue Manager
// independently (SPEC_FULL.md §5: "a worker may run N drivers in parallel").
type Pool struct {
	driver       *Driver
	size         int
	pollInterval time.Duration
	active       int32

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool constructs a pool of size concurrent drivers sharing one Driver's
// dependencies (the driver itself is stateless between RunOnce calls).
func NewPool(d *Driver, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{driver: d, size: size, pollInterval: d.opts.PollInterval}
}

// Name satisfies lifecycle.Service.
func (p *Pool) Name() string { return "pipeline-driver-pool" }

// Start launches size worker goroutines, each looping RunOnce until Stop.
func (p *Pool) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.loop(runCtx)
		}()
	}
	return nil
}

// ActiveCount reports how many of this pool's drivers currently hold a
// leased task, for the heartbeat loop's current_load reporting.
func (p *Pool) ActiveCount() int {
	return int(atomic.LoadInt32(&p.active))
}

func (p *Pool) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		atomic.AddInt32(&p.active, 1)
		leased, err := p.driver.RunOnce(ctx)
		atomic.AddInt32(&p.active, -1)
		if err != nil {
			p.driver.log.WithError(err).Error("driver loop error")
		}
		if !leased {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
		}
	}
}

// Stop cancels all driver loops and waits for in-flight tasks to return.
func (p *Pool) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
