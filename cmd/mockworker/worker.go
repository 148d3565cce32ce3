package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/openchlai/ai-sub002/internal/audio"
	"github.com/openchlai/ai-sub002/internal/queue"
	"github.com/openchlai/ai-sub002/internal/tracing"
)

// worker accepts multipart jobs and reports fake results
type worker struct {
	callbackURL string
	delay       time.Duration
	logger      *slog.Logger
	client      *http.Client
	dialer      *websocket.Dialer

	// ws is the completion stream, dialed lazily and redialed after errors
	ws   *websocket.Conn
	wsMu sync.Mutex

	wg        sync.WaitGroup
	accepted  atomic.Uint64
	completed atomic.Uint64
}

type workerStats struct {
	Accepted  uint64 `json:"accepted"`
	Completed uint64 `json:"completed"`
}

func newWorker(callbackURL string, delay time.Duration, logger *slog.Logger) *worker {
	return &worker{
		callbackURL: strings.TrimSuffix(callbackURL, "/"),
		delay:       delay,
		logger:      logger,
		client:      &http.Client{Timeout: 10 * time.Second},
		dialer:      &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
	}
}

// Router builds the worker routes
func (w *worker) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/jobs", w.handleJob).Methods(http.MethodPost)
	r.HandleFunc("/health", w.handleHealth).Methods(http.MethodGet)
	return r
}

// Close waits for pending jobs and closes the completion stream
func (w *worker) Close() {
	w.wg.Wait()

	w.wsMu.Lock()
	defer w.wsMu.Unlock()
	if w.ws != nil {
		w.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		w.ws.Close()
		w.ws = nil
	}
}

func (w *worker) handleHealth(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(workerStats{
		Accepted:  w.accepted.Load(),
		Completed: w.completed.Load(),
	})
}

// handleJob implements POST /jobs
func (w *worker) handleJob(rw http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(rw, "Error parsing form", http.StatusBadRequest)
		return
	}

	jobID := r.FormValue("job_id")
	if jobID == "" {
		jobID = uuid.NewString()
	}
	jobType := queue.JobType(r.FormValue("job_type"))
	if !jobType.Valid() {
		http.Error(rw, "Unknown job type", http.StatusBadRequest)
		return
	}

	var payload queue.Payload
	if err := json.Unmarshal([]byte(r.FormValue("payload")), &payload); err != nil {
		http.Error(rw, "Invalid payload", http.StatusBadRequest)
		return
	}
	if payload.CallID == "" {
		payload.CallID = r.FormValue("call_id")
	}

	var clip *decodedAudio
	if file, _, err := r.FormFile("file"); err == nil {
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			http.Error(rw, "Error reading audio file", http.StatusBadRequest)
			return
		}
		if clip, err = decodeAudio(data); err != nil {
			http.Error(rw, "Invalid WAV audio", http.StatusBadRequest)
			return
		}
	} else if jobType != queue.JobEndOfCall {
		http.Error(rw, "Audio file required", http.StatusBadRequest)
		return
	}

	ctx := tracing.Extract(context.Background(), map[string]string{
		"traceparent": r.Header.Get("traceparent"),
		"tracestate":  r.Header.Get("tracestate"),
	})
	w.start(ctx, queue.Handle(jobID), jobType, payload, clip)

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	json.NewEncoder(rw).Encode(map[string]string{"job_id": jobID})
}

// start fakes the job's result and reports it after the configured delay
func (w *worker) start(ctx context.Context, jobID queue.Handle, jobType queue.JobType, payload queue.Payload, clip *decodedAudio) {
	logger := tracing.Logger(ctx, w.logger).With(
		slog.String("job_id", string(jobID)),
		slog.String("job_type", string(jobType)),
		slog.String("call_id", payload.CallID),
	)
	logger.Info("Job accepted",
		slog.Uint64("sequence", payload.Sequence),
		slog.Any("analyses", payload.Analyses),
	)
	w.accepted.Add(1)

	c := fakeCompletion(jobID, jobType, payload, clip)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		time.Sleep(w.delay)
		if err := w.report(ctx, c); err != nil {
			logger.Warn("Failed to report completion", slog.String("error", err.Error()))
			return
		}
		w.completed.Add(1)
		logger.Debug("Completion reported")
	}()
}

// decodedAudio summarizes a job's audio clip
type decodedAudio struct {
	duration float64 // seconds
	rms      float64
}

func decodeAudio(data []byte) (*decodedAudio, error) {
	info, err := audio.GetWAVInfo(data)
	if err != nil {
		return nil, err
	}
	samples, _, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, err
	}

	var sum float64
	for _, v := range samples {
		f := float64(v) / 32768
		sum += f * f
	}
	return &decodedAudio{
		duration: info.Duration,
		rms:      math.Sqrt(sum / float64(len(samples))),
	}, nil
}

// fakeCompletion builds a plausible result for the job
func fakeCompletion(jobID queue.Handle, jobType queue.JobType, payload queue.Payload, clip *decodedAudio) queue.Completion {
	c := queue.Completion{
		CallID:      payload.CallID,
		JobID:       jobID,
		JobType:     jobType,
		Metadata:    map[string]any{"worker": "mockworker"},
		CompletedAt: time.Now().UTC(),
	}

	switch jobType {
	case queue.JobEndOfCall:
		words := strings.Fields(payload.Transcript)
		if len(words) > 12 {
			words = words[:12]
		}
		c.Text = "Summary: " + strings.Join(words, " ")
		c.Metadata["analyses"] = payload.Analyses
	default:
		duration := payload.AudioDuration
		if clip != nil {
			duration = clip.duration
			c.Metadata["rms"] = clip.rms
		}
		c.AudioDuration = duration
		c.Text = fmt.Sprintf("window %d of call %s", payload.Sequence, payload.CallID)
		if jobType == queue.JobRealtimeAnalysis {
			c.Metadata["analyses"] = payload.Analyses
		}
	}
	return c
}

// report sends a completion over the websocket, or posts it when the
// stream cannot be used
func (w *worker) report(ctx context.Context, c queue.Completion) error {
	err := w.reportStream(c)
	if err == nil {
		return nil
	}
	w.logger.Debug("Completion stream unavailable, posting instead", slog.String("error", err.Error()))
	return w.reportHTTP(ctx, c)
}

func (w *worker) reportStream(c queue.Completion) error {
	w.wsMu.Lock()
	defer w.wsMu.Unlock()

	if w.ws == nil {
		url := "ws" + strings.TrimPrefix(w.callbackURL, "http") + "/ws/completions"
		conn, _, err := w.dialer.Dial(url, nil)
		if err != nil {
			return err
		}
		w.ws = conn
	}

	var ack struct {
		Accepted bool   `json:"accepted"`
		Error    string `json:"error"`
	}
	err := w.ws.WriteJSON(c)
	if err == nil {
		w.ws.SetReadDeadline(time.Now().Add(10 * time.Second))
		err = w.ws.ReadJSON(&ack)
	}
	if err != nil {
		w.ws.Close()
		w.ws = nil
		return err
	}
	if !ack.Accepted {
		return fmt.Errorf("completion rejected: %s", ack.Error)
	}
	return nil
}

func (w *worker) reportHTTP(ctx context.Context, c queue.Completion) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.callbackURL+"/jobs/completions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
