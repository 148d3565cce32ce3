package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// HTTPConfig contains job gateway client configuration
type HTTPConfig struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	UserAgent     string
}

// HTTPQueue submits jobs to a worker gateway as multipart POST requests
type HTTPQueue struct {
	config     HTTPConfig
	httpClient *http.Client
	sem        *semaphore.Weighted

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	activeRequests  int
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Compile-time interface check.
var _ Queue = (*HTTPQueue)(nil)

// HTTPStats represents client statistics
type HTTPStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// submitResponse is the gateway's acknowledgement
type submitResponse struct {
	JobID string `json:"job_id"`
}

// statusError is a non-2xx gateway response
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.code, e.body)
}

// NewHTTPQueue creates a new job gateway client
func NewHTTPQueue(config HTTPConfig) (*HTTPQueue, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 16
	}

	if config.UserAgent == "" {
		config.UserAgent = "callstream/1.0"
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: config.MaxConcurrent,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &HTTPQueue{
		config:     config,
		httpClient: httpClient,
		sem:        semaphore.NewWeighted(int64(config.MaxConcurrent)),
	}, nil
}

// Submit posts one job, retrying retryable failures with exponential backoff
func (q *HTTPQueue) Submit(ctx context.Context, jobType JobType, payload Payload) (Handle, error) {
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer q.sem.Release(1)

	q.mu.Lock()
	q.totalRequests++
	q.activeRequests++
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.activeRequests--
		q.mu.Unlock()
	}()

	if payload.SubmittedAt.IsZero() {
		payload.SubmittedAt = time.Now()
	}
	jobID := uuid.NewString()
	startTime := time.Now()

	var lastErr error
	for attempt := 0; attempt <= q.config.MaxRetries; attempt++ {
		if attempt > 0 {
			q.incrementTotalRetries()

			backoffTime := time.Duration(1<<(attempt-1)) * 250 * time.Millisecond
			if backoffTime > 5*time.Second {
				backoffTime = 5 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				q.incrementFailedRequests()
				return "", ctx.Err()
			}
		}

		handle, err := q.doRequest(ctx, jobID, jobType, payload)
		if err == nil {
			q.recordSuccess(time.Since(startTime))
			return handle, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}

	q.incrementFailedRequests()
	return "", fmt.Errorf("%w: %s job for call %s: %v", ErrQueueUnavailable, jobType, payload.CallID, lastErr)
}

// doRequest performs a single submission
func (q *HTTPQueue) doRequest(ctx context.Context, jobID string, jobType JobType, payload Payload) (Handle, error) {
	body, contentType, err := createMultipartRequest(jobID, jobType, payload)
	if err != nil {
		return "", fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, q.config.Endpoint, body)
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", q.config.UserAgent)
	httpReq.Header.Set("Idempotency-Key", jobID)
	if q.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+q.config.APIKey)
	}
	for k, v := range payload.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := q.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &statusError{code: resp.StatusCode, body: string(respBody)}
	}

	var ack submitResponse
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &ack); err != nil {
			return "", fmt.Errorf("failed to parse response JSON: %w", err)
		}
	}
	if ack.JobID == "" {
		ack.JobID = jobID
	}

	return Handle(ack.JobID), nil
}

// createMultipartRequest encodes the job as form fields plus an optional
// WAV file part
func createMultipartRequest(jobID string, jobType JobType, payload Payload) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if len(payload.Audio) > 0 {
		filename := fmt.Sprintf("%s-%d.wav", payload.CallID, payload.Sequence)
		fileWriter, err := writer.CreateFormFile("file", filename)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := fileWriter.Write(payload.Audio); err != nil {
			return nil, "", fmt.Errorf("failed to write audio data: %w", err)
		}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	fields := map[string]string{
		"job_id":       jobID,
		"job_type":     string(jobType),
		"call_id":      payload.CallID,
		"sequence":     strconv.FormatUint(payload.Sequence, 10),
		"submitted_at": payload.SubmittedAt.Format(time.RFC3339Nano),
		"payload":      string(payloadJSON),
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryableError reports whether a failed submission may succeed if repeated
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Ping checks that the gateway answers
func (q *HTTPQueue) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, q.config.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	resp, err := q.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: gateway returned %d", ErrQueueUnavailable, resp.StatusCode)
	}
	return nil
}

func (q *HTTPQueue) incrementFailedRequests() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failedRequests++
}

func (q *HTTPQueue) incrementTotalRetries() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.totalRetries++
}

func (q *HTTPQueue) recordSuccess(responseTime time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.successRequests++
	// Simple moving average
	if q.avgResponseTime == 0 {
		q.avgResponseTime = responseTime
	} else {
		q.avgResponseTime = (q.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (q *HTTPQueue) GetStats() HTTPStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	successRate := float64(0)
	if q.totalRequests > 0 {
		successRate = float64(q.successRequests) / float64(q.totalRequests) * 100
	}

	return HTTPStats{
		TotalRequests:   q.totalRequests,
		SuccessRequests: q.successRequests,
		FailedRequests:  q.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    q.totalRetries,
		AvgResponseTime: q.avgResponseTime,
		ActiveRequests:  q.activeRequests,
	}
}

// Close waits for in-flight submissions to finish
func (q *HTTPQueue) Close() error {
	if err := q.sem.Acquire(context.Background(), int64(q.config.MaxConcurrent)); err != nil {
		return err
	}
	q.sem.Release(int64(q.config.MaxConcurrent))
	q.httpClient.CloseIdleConnections()
	return nil
}
