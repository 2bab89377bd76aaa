package gpuclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ModelInfo describes one model installed on the GPU worker, grounded on
// GPUHTTPClient.get_installed_models in gpu_http_client.py.
type ModelInfo struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
	Digest     string `json:"digest"`
}

type listModelsResponse struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Models  []ModelInfo `json:"models"`
}

// ListModels returns the models currently installed on the GPU worker
// (GET /api/models). Grounded on get_installed_models.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeoutModelOp)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/api/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gpuclient: list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gpuclient: list models: HTTP %d", resp.StatusCode)
	}

	var out listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("gpuclient: list models: decode: %w", err)
	}
	if !out.Success {
		return nil, &PhaseError{Endpoint: "/api/models", Upstream: out.Error}
	}
	return out.Models, nil
}

// PullModel instructs the GPU worker to download a model
// (POST /api/models/{name}). Grounded on pull_model, which uses a 300s
// timeout to allow for large downloads.
func (c *Client) PullModel(ctx context.Context, name string) error {
	callCtx, cancel := context.WithTimeout(ctx, timeoutModelPull)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/api/models/"+name, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gpuclient: pull model %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gpuclient: pull model %s: HTTP %d", name, resp.StatusCode)
	}

	var out envelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("gpuclient: pull model %s: decode: %w", name, err)
	}
	if !out.Success {
		return &PhaseError{Endpoint: "/api/models/" + name, Upstream: out.Error}
	}
	return nil
}

// DeleteModel instructs the GPU worker to remove a model
// (DELETE /api/models/{name}). Grounded on delete_model.
func (c *Client) DeleteModel(ctx context.Context, name string) error {
	callCtx, cancel := context.WithTimeout(ctx, timeoutModelOp)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodDelete, c.baseURL+"/api/models/"+name, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gpuclient: delete model %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gpuclient: delete model %s: HTTP %d", name, resp.StatusCode)
	}

	var out envelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("gpuclient: delete model %s: decode: %w", name, err)
	}
	if !out.Success {
		return &PhaseError{Endpoint: "/api/models/" + name, Upstream: out.Error}
	}
	return nil
}

// Status is the GPU worker's health/status snapshot, grounded on
// check_gpu_status.
type Status struct {
	Online          bool   `json:"online"`
	WorkerStatus    string `json:"status"`
	OllamaAvailable bool   `json:"ollama_available"`
	Timestamp       string `json:"timestamp"`
	Error           string `json:"error,omitempty"`
}

// CheckStatus reports the GPU worker's availability and Ollama readiness.
// It has no error return at all: a request-construction failure, connection
// failure, timeout or non-200 reply is reported as Status{Online: false}
// with the error text in Status.Error, for CLI/status-surface use. Grounded
// on check_gpu_status.
func (c *Client) CheckStatus(ctx context.Context) Status {
	callCtx, cancel := context.WithTimeout(ctx, timeoutHealth)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return Status{Online: false, Error: err.Error()}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Status{Online: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Status{Online: false, Error: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}

	var body struct {
		Status          string `json:"status"`
		OllamaAvailable bool   `json:"ollama_available"`
		Timestamp       string `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Status{Online: true, Error: "decode: " + err.Error()}
	}
	return Status{
		Online:          true,
		WorkerStatus:    body.Status,
		OllamaAvailable: body.OllamaAvailable,
		Timestamp:       body.Timestamp,
	}
}
