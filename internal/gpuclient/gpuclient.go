// Package gpuclient is a thin HTTP client wrapping the GPU worker's
// endpoints (SPEC_FULL.md §4.4): typed requests/responses, per-endpoint
// timeouts, a circuit breaker guarding repeated GPU unavailability (grounded
// on the original's "GPU instance not available" handling in
// gpu_http_client.py), and normalized errors the Pipeline Driver can switch
// on.
package gpuclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/halbzeit/pitchqueue/internal/httputil"
	"github.com/halbzeit/pitchqueue/internal/logging"
	"github.com/halbzeit/pitchqueue/internal/metrics"
	"github.com/halbzeit/pitchqueue/internal/resilience"
)

// Per-endpoint timeouts from SPEC_FULL.md §4.4.
const (
	timeoutVisualAnalysis     = 300 * time.Second
	timeoutExtraction         = 120 * time.Second
	timeoutTemplateProcessing = 600 * time.Second
	timeoutSpecializedOnly    = 600 * time.Second
	timeoutAnalyzeImages      = 120 * time.Second
	timeoutHealth             = 5 * time.Second
	timeoutModelOp            = 30 * time.Second
	timeoutModelPull          = 300 * time.Second
)

// maxUpstreamErrorBytes truncates an upstream error message per §7
// ("upstream message truncated to 2 KB").
const maxUpstreamErrorBytes = 2 << 10

// PhaseError is returned when the GPU responds 2xx with success:false — an
// application-level rejection rather than a transport failure.
type PhaseError struct {
	Endpoint string
	Upstream string
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Endpoint, e.Upstream)
}

// Truncated returns the upstream message capped to 2KB, for last_error storage.
func (e *PhaseError) Truncated() string {
	if len(e.Upstream) <= maxUpstreamErrorBytes {
		return e.Upstream
	}
	return e.Upstream[:maxUpstreamErrorBytes]
}

// Config configures the GPU worker client.
type Config struct {
	BaseURL string
}

// Client is the outbound HTTP client for the GPU worker service.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	log     *logging.Logger
}

// New constructs a Client. The circuit breaker opens after repeated GPU
// unavailability and half-opens after its timeout, matching
// resilience.DefaultServiceCBConfig's profile for service-to-service calls.
func New(cfg Config, log *logging.Logger, m *metrics.Metrics) (*Client, error) {
	baseURL, _, err := httputil.NormalizeBaseURL(cfg.BaseURL, httputil.BaseURLOptions{})
	if err != nil {
		return nil, fmt.Errorf("gpuclient: %w", err)
	}
	if log == nil {
		log = logging.NewFromEnv("gpuclient")
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		breaker: resilience.New(resilience.DefaultServiceCBConfig(log)),
		metrics: m,
		log:     log,
	}, nil
}

type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// doJSON POSTs req as JSON to path, decodes the response into resp (which
// must embed envelope-shaped fields), and normalizes transport/application
// errors. It is guarded by the circuit breaker so a GPU outage fails fast
// instead of piling up blocked phase calls.
func (c *Client) doJSON(ctx context.Context, method, path string, timeout time.Duration, req, resp any) error {
	start := time.Now()
	var body []byte

	err := c.breaker.Execute(ctx, func() error {
		var payload io.Reader
		if req != nil {
			encoded, err := json.Marshal(req)
			if err != nil {
				return fmt.Errorf("encode request: %w", err)
			}
			payload = bytes.NewReader(encoded)
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, payload)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		httpResp, err := c.http.Do(httpReq)
		if err != nil {
			return fmt.Errorf("gpu request failed: %w", err)
		}
		defer httpResp.Body.Close()

		body, err = io.ReadAll(io.LimitReader(httpResp.Body, 8<<20))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
			return fmt.Errorf("gpu returned HTTP %d: %s", httpResp.StatusCode, string(body))
		}
		return nil
	})

	duration := time.Since(start)
	result := "ok"
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordGPURequest(path, result, duration)
		}
	}()

	if err != nil {
		result = "error"
		return fmt.Errorf("%s: %w", path, err)
	}

	if resp != nil {
		if err := json.Unmarshal(body, resp); err != nil {
			result = "error"
			return fmt.Errorf("%s: decode response: %w", path, err)
		}
	}
	var env envelope
	_ = json.Unmarshal(body, &env)
	if !env.Success {
		result = "rejected"
		return &PhaseError{Endpoint: path, Upstream: env.Error}
	}
	return nil
}

// Health checks GPU worker liveness (GET /api/health).
func (c *Client) Health(ctx context.Context) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeoutHealth)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// ---------------------------------------------------------------------------
// P1: Visual analysis
// ---------------------------------------------------------------------------

// VisualAnalysisRequest is POSTed to /api/run-visual-analysis-batch.
type VisualAnalysisRequest struct {
	DeckIDs     []int64  `json:"deck_ids"`
	FilePaths   []string `json:"file_paths"`
	VisionModel string   `json:"vision_model"`
}

// VisualAnalysisResponse is the GPU's visual-analysis response envelope.
type VisualAnalysisResponse struct {
	Success     bool     `json:"success"`
	Error       string   `json:"error,omitempty"`
	SlideImages []string `json:"slide_images,omitempty"`
}

// RunVisualAnalysisBatch runs P1.
func (c *Client) RunVisualAnalysisBatch(ctx context.Context, req VisualAnalysisRequest) (*VisualAnalysisResponse, error) {
	var resp VisualAnalysisResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/run-visual-analysis-batch", timeoutVisualAnalysis, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AnalyzeImagesOptions carries model-specific knobs for the slide-feedback call.
type AnalyzeImagesOptions struct {
	NumCtx      int     `json:"num_ctx,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// AnalyzeImagesRequest is POSTed to /analyze-images, one call per slide image.
type AnalyzeImagesRequest struct {
	Images  []string             `json:"images"`
	Prompt  string               `json:"prompt"`
	Model   string               `json:"model"`
	Options AnalyzeImagesOptions `json:"options"`
}

// AnalyzeImagesResponse carries the slide-feedback text.
type AnalyzeImagesResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Text    string `json:"text"`
}

// AnalyzeImages generates slide feedback for one slide image.
func (c *Client) AnalyzeImages(ctx context.Context, req AnalyzeImagesRequest) (*AnalyzeImagesResponse, error) {
	var resp AnalyzeImagesResponse
	if err := c.doJSON(ctx, http.MethodPost, "/analyze-images", timeoutAnalyzeImages, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// P2: Extraction
// ---------------------------------------------------------------------------

// ExtractionOptions controls which sub-extractions the GPU runs.
type ExtractionOptions struct {
	Classification bool `json:"classification"`
	CompanyName    bool `json:"company_name"`
	FundingAmount  bool `json:"funding_amount"`
	DeckDate       bool `json:"deck_date"`
}

// ExtractionRequest is POSTed to /api/run-extraction-experiment.
type ExtractionRequest struct {
	DeckIDs        []int64           `json:"deck_ids"`
	ExperimentName string            `json:"experiment_name"`
	ExtractionType string            `json:"extraction_type"`
	TextModel      string            `json:"text_model"`
	Options        ExtractionOptions `json:"processing_options"`
}

// ExtractionResponse carries per-sub-result extraction output.
type ExtractionResponse struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Results map[string]any `json:"results,omitempty"`
}

// RunExtractionExperiment runs P2.
func (c *Client) RunExtractionExperiment(ctx context.Context, req ExtractionRequest) (*ExtractionResponse, error) {
	var resp ExtractionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/run-extraction-experiment", timeoutExtraction, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// P3: Template analysis
// ---------------------------------------------------------------------------

// TemplateProcessingOptions carries thumbnail generation and the callback the
// GPU uses to post per-chapter results incrementally.
type TemplateProcessingOptions struct {
	GenerateThumbnails bool   `json:"generate_thumbnails"`
	CallbackURL        string `json:"callback_url"`
}

// TemplateProcessingRequest is POSTed to /api/run-template-processing-only.
type TemplateProcessingRequest struct {
	DeckIDs    []int64                   `json:"deck_ids"`
	TemplateID int64                     `json:"template_id"`
	Options    TemplateProcessingOptions `json:"processing_options"`
}

// TemplateProcessingResponse is the synchronous ack; per-chapter results
// arrive later via the /internal/save-template-processing callback.
type TemplateProcessingResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RunTemplateProcessingOnly runs P3.
func (c *Client) RunTemplateProcessingOnly(ctx context.Context, req TemplateProcessingRequest) (*TemplateProcessingResponse, error) {
	var resp TemplateProcessingResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/run-template-processing-only", timeoutTemplateProcessing, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// P4: Specialized analysis
// ---------------------------------------------------------------------------

// SpecializedOnlyOptions carries the callback the GPU posts results to.
type SpecializedOnlyOptions struct {
	CallbackURL string `json:"callback_url"`
}

// SpecializedOnlyRequest is POSTed to /api/run-specialized-analysis-only.
type SpecializedOnlyRequest struct {
	DeckIDs []int64                `json:"deck_ids"`
	Options SpecializedOnlyOptions `json:"processing_options"`
}

// SpecializedOnlyResponse is the synchronous ack; per-analysis-type results
// arrive via /internal/save-specialized-analysis.
type SpecializedOnlyResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RunSpecializedAnalysisOnly runs P4.
func (c *Client) RunSpecializedAnalysisOnly(ctx context.Context, req SpecializedOnlyRequest) (*SpecializedOnlyResponse, error) {
	var resp SpecializedOnlyResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/run-specialized-analysis-only", timeoutSpecializedOnly, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
