//go:build integration

package integration

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rossigee/sqlimport/pkg/types"
)

// APIError is a non-2xx answer from the import service
type APIError struct {
	StatusCode int
	Body       types.ErrorResponse
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s: %s", e.StatusCode, e.Body.Error, e.Body.Message)
}

// ImporterClient handles HTTP communication with the import service
type ImporterClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newImporterClient(baseURL, token string) *ImporterClient {
	return &ImporterClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (ic *ImporterClient) do(method, path string, body io.Reader, headers map[string]string, want int, out interface{}) error {
	req, err := http.NewRequest(method, ic.baseURL+path, body)
	if err != nil {
		return err
	}
	if ic.token != "" {
		req.Header.Set("Authorization", "Bearer "+ic.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := ic.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close() // Close errors are not critical
	}()

	if resp.StatusCode != want {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr.Body)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (ic *ImporterClient) postJSON(path string, in interface{}, want int, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return ic.do(http.MethodPost, path, bytes.NewReader(data), map[string]string{"Content-Type": "application/json"}, want, out)
}

func (ic *ImporterClient) InitUpload(req types.InitUploadRequest) (*types.InitUploadResponse, error) {
	var resp types.InitUploadResponse
	if err := ic.postJSON("/api/v1/jobs", req, http.StatusCreated, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (ic *ImporterClient) InitFromObject(req types.InitFromObjectRequest) (*types.FinalizeResponse, error) {
	var resp types.FinalizeResponse
	if err := ic.postJSON("/api/v1/jobs/from-object", req, http.StatusCreated, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (ic *ImporterClient) UploadChunk(jobID string, offset int64, data []byte) (*types.ChunkResponse, error) {
	sum := sha256.Sum256(data)
	headers := map[string]string{
		"Content-Type":     "application/octet-stream",
		"X-Chunk-Checksum": hex.EncodeToString(sum[:]),
	}
	var resp types.ChunkResponse
	path := "/api/v1/jobs/" + jobID + "/chunks?offset=" + strconv.FormatInt(offset, 10)
	if err := ic.do(http.MethodPut, path, bytes.NewReader(data), headers, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Upload sends data in chunks of the size the service asked for and finalizes the job
func (ic *ImporterClient) Upload(req types.InitUploadRequest, data []byte) (string, error) {
	req.Filesize = int64(len(data))
	init, err := ic.InitUpload(req)
	if err != nil {
		return "", err
	}

	for offset := int64(0); offset < int64(len(data)); offset += init.ChunkSize {
		end := min(offset+init.ChunkSize, int64(len(data)))
		chunk, err := ic.UploadChunk(init.JobID, offset, data[offset:end])
		if err != nil {
			return "", err
		}
		if chunk.Status != types.ChunkOK {
			return "", fmt.Errorf("chunk at %d rejected: %s", offset, chunk.Status)
		}
	}

	if err := ic.postJSON("/api/v1/jobs/"+init.JobID+"/finalize", nil, http.StatusOK, nil); err != nil {
		return "", err
	}
	return init.JobID, nil
}

func (ic *ImporterClient) SelectEntry(jobID string, req types.SelectEntryRequest) (*types.ProgressResponse, error) {
	var resp types.ProgressResponse
	if err := ic.postJSON("/api/v1/jobs/"+jobID+"/entries/select", req, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (ic *ImporterClient) Process(jobID string) (*types.ProgressResponse, error) {
	var resp types.ProgressResponse
	if err := ic.postJSON("/api/v1/jobs/"+jobID+"/process", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JobState is the subset of the job state document the tests look at
type JobState struct {
	ID     string          `json:"job_id"`
	Status types.JobStatus `json:"status"`
	Offset int64           `json:"offset"`
	Size   int64           `json:"size"`
}

func (ic *ImporterClient) Status(jobID string) (*JobState, error) {
	var resp JobState
	if err := ic.do(http.MethodGet, "/api/v1/jobs/"+jobID, nil, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (ic *ImporterClient) Cancel(jobID string) (*types.ProgressResponse, error) {
	var resp types.ProgressResponse
	if err := ic.postJSON("/api/v1/jobs/"+jobID+"/cancel", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (ic *ImporterClient) Resume(jobID string) (*types.ProgressResponse, error) {
	var resp types.ProgressResponse
	if err := ic.postJSON("/api/v1/jobs/"+jobID+"/resume", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ProcessUntilDone drives processing steps until the job finishes or fails
func (ic *ImporterClient) ProcessUntilDone(ctx context.Context, jobID string) (*types.ProgressResponse, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("timeout waiting for job completion: %w", err)
		}
		progress, err := ic.Process(jobID)
		if err != nil {
			return nil, err
		}
		if progress.Status.Terminal() {
			return progress, nil
		}
	}
}
