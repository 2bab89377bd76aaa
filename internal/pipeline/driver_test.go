package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halbzeit/pitchqueue/internal/gpuclient"
	"github.com/halbzeit/pitchqueue/internal/pipelineconfig"
	"github.com/halbzeit/pitchqueue/internal/queue"
)

type fakeQueue struct {
	task           *queue.Task
	getNextErr     error
	progressCalls  []int
	completeCalls  int
	completeErr    error
	lastSuccess    bool
	lastErrMessage string
	fanOutIDs      []int64
	fanOutErr      error
}

func (f *fakeQueue) GetNextTask(ctx context.Context) (*queue.Task, error) {
	return f.task, f.getNextErr
}
func (f *fakeQueue) UpdateTaskProgress(ctx context.Context, taskID int64, percent int, step, message string, stepData map[string]any) error {
	f.progressCalls = append(f.progressCalls, percent)
	return nil
}
func (f *fakeQueue) CompleteTask(ctx context.Context, taskID int64, success bool, resultsPath, errMessage string, metadata map[string]any) error {
	f.completeCalls++
	f.lastSuccess = success
	f.lastErrMessage = errMessage
	return f.completeErr
}
func (f *fakeQueue) CompleteTaskAndCreateSpecialized(ctx context.Context, taskID, documentID int64, success bool, resultsPath, errMessage string, metadata map[string]any, filePath string, companyID int64, options map[string]any) ([]int64, error) {
	f.completeCalls++
	f.lastSuccess = success
	f.lastErrMessage = errMessage
	return f.fanOutIDs, f.fanOutErr
}

type fakeGPU struct {
	visualErr      error
	visualResp     *gpuclient.VisualAnalysisResponse
	extractionErr  error
	templateErr    error
	specializedErr error
	analyzeErr     error
}

func (f *fakeGPU) RunVisualAnalysisBatch(ctx context.Context, req gpuclient.VisualAnalysisRequest) (*gpuclient.VisualAnalysisResponse, error) {
	if f.visualErr != nil {
		return nil, f.visualErr
	}
	if f.visualResp != nil {
		return f.visualResp, nil
	}
	return &gpuclient.VisualAnalysisResponse{Success: true}, nil
}
func (f *fakeGPU) AnalyzeImages(ctx context.Context, req gpuclient.AnalyzeImagesRequest) (*gpuclient.AnalyzeImagesResponse, error) {
	if f.analyzeErr != nil {
		return nil, f.analyzeErr
	}
	return &gpuclient.AnalyzeImagesResponse{Success: true, Text: "ok"}, nil
}
func (f *fakeGPU) RunExtractionExperiment(ctx context.Context, req gpuclient.ExtractionRequest) (*gpuclient.ExtractionResponse, error) {
	if f.extractionErr != nil {
		return nil, f.extractionErr
	}
	return &gpuclient.ExtractionResponse{Success: true}, nil
}
func (f *fakeGPU) RunTemplateProcessingOnly(ctx context.Context, req gpuclient.TemplateProcessingRequest) (*gpuclient.TemplateProcessingResponse, error) {
	if f.templateErr != nil {
		return nil, f.templateErr
	}
	return &gpuclient.TemplateProcessingResponse{Success: true}, nil
}
func (f *fakeGPU) RunSpecializedAnalysisOnly(ctx context.Context, req gpuclient.SpecializedOnlyRequest) (*gpuclient.SpecializedOnlyResponse, error) {
	if f.specializedErr != nil {
		return nil, f.specializedErr
	}
	return &gpuclient.SpecializedOnlyResponse{Success: true}, nil
}

type fakeConfig struct {
	vision        string
	visionErr     error
	text          string
	textErr       error
	prompt        string
	promptErr     error
	templateID    int64
	templateErr   error
}

func (f *fakeConfig) VisionModel(ctx context.Context, taskType string) (string, error) {
	return f.vision, f.visionErr
}
func (f *fakeConfig) TextModel(ctx context.Context, taskType string) (string, error) {
	return f.text, f.textErr
}
func (f *fakeConfig) Prompt(ctx context.Context, taskType, phase string) (string, error) {
	return f.prompt, f.promptErr
}
func (f *fakeConfig) ResolveTemplateID(ctx context.Context, companyID int64, selectedTemplateID *int64, defaultTemplateID int) (int64, error) {
	return f.templateID, f.templateErr
}

func newHappyDriver() (*Driver, *fakeQueue, *fakeGPU, *fakeConfig) {
	q := &fakeQueue{task: &queue.Task{ID: 1, DocumentID: 101, TaskType: queue.TaskTypePDFAnalysis, FilePath: "p.pdf", CompanyID: 7}}
	g := &fakeGPU{visualResp: &gpuclient.VisualAnalysisResponse{Success: true, SlideImages: []string{"s1.png"}}}
	c := &fakeConfig{vision: "llava", text: "llama3", prompt: "critique", templateID: 5}
	d := New(q, g, c, Options{BackendBaseURL: "http://backend", DefaultTemplateID: 5}, nil, nil)
	return d, q, g, c
}

func TestRunOnce_NoEligibleTask(t *testing.T) {
	q := &fakeQueue{getNextErr: queue.ErrNoEligibleTask}
	d := New(q, &fakeGPU{}, &fakeConfig{}, Options{}, nil, nil)

	leased, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, leased)
}

func TestRunOnce_HappyPath_CompletesAndFansOut(t *testing.T) {
	d, q, _, _ := newHappyDriver()

	leased, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, leased)
	assert.Equal(t, 1, q.completeCalls)
	assert.True(t, q.lastSuccess)
	assert.Contains(t, q.progressCalls, 100)
	assert.Contains(t, q.progressCalls, 10)
	assert.Contains(t, q.progressCalls, 30)
	assert.Contains(t, q.progressCalls, 60)
	assert.Contains(t, q.progressCalls, 80)
}

func TestRunPDFAnalysis_MissingVisionModelFailsHard(t *testing.T) {
	d, q, _, c := newHappyDriver()
	c.visionErr = &pipelineconfig.ErrMissingConfig{Key: "vision_model"}

	err := d.runPDFAnalysis(context.Background(), q.task)
	require.Error(t, err)
	assert.Equal(t, 1, q.completeCalls)
	assert.False(t, q.lastSuccess)
	assert.Contains(t, q.lastErrMessage, "Visual analysis")
}

func TestRunExtraction_UpstreamRejectionFailsTaskWithPhaseName(t *testing.T) {
	d, q, g, _ := newHappyDriver()
	g.extractionErr = &gpuclient.PhaseError{Endpoint: "/api/run-extraction-experiment", Upstream: "OOM"}

	err := d.runExtraction(context.Background(), q.task)
	require.Error(t, err)
	assert.Equal(t, 1, q.completeCalls)
	assert.Contains(t, q.lastErrMessage, "extraction")
	assert.Contains(t, q.lastErrMessage, "OOM")
}

func TestRunSpecializedAnalysisPhase_SwallowsFailure(t *testing.T) {
	d, q, g, _ := newHappyDriver()
	g.specializedErr = errors.New("upstream 500")

	d.runSpecializedAnalysisPhase(context.Background(), q.task)
	assert.Equal(t, 0, q.completeCalls, "P4 failures must not complete/fail the task themselves")
}

func TestSelectedTemplateID_ParsesFloatAndIgnoresMissing(t *testing.T) {
	id := selectedTemplateID(map[string]any{"selected_template_id": float64(42)})
	require.NotNil(t, id)
	assert.Equal(t, int64(42), *id)

	assert.Nil(t, selectedTemplateID(nil))
	assert.Nil(t, selectedTemplateID(map[string]any{}))
}

func TestClassifyErr_Distinguishes(t *testing.T) {
	assert.Equal(t, KindRejected, classifyErr(&gpuclient.PhaseError{Endpoint: "/x", Upstream: "bad"}))
	assert.Equal(t, KindUpstream, classifyErr(errors.New("connection refused")))
}
