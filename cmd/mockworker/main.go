// Command mockworker is a stand-in analysis worker for local runs. It accepts
// jobs from the ingest service's HTTP queue, or claims them from the postgres
// job table when -pg-dsn is set, fakes their results and reports
// completions back over the completion websocket, falling back to the
// completion endpoint when the socket is unavailable.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openchlai/ai-sub002/internal/queue/pgqueue"
)

func main() {
	addr := flag.String("addr", ":8123", "Address to accept jobs on")
	callback := flag.String("callback", "http://localhost:8300", "Base URL of the ingest service HTTP API")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time per job")
	pgDSN := flag.String("pg-dsn", "", "Postgres DSN of the job table to claim jobs from")
	pollInterval := flag.Duration("poll-interval", time.Second, "Wait between claims when no job is pending")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	w := newWorker(*callback, *delay, logger)

	pollCtx, stopPolling := context.WithCancel(context.Background())
	polling := make(chan struct{})
	if *pgDSN != "" {
		connectCtx, cancel := context.WithTimeout(pollCtx, 10*time.Second)
		q, err := pgqueue.New(connectCtx, *pgDSN, "")
		cancel()
		if err != nil {
			logger.Error("Failed to connect to the job table", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer q.Close()

		logger.Info("Claiming jobs from postgres", slog.Duration("poll_interval", *pollInterval))
		go func() {
			defer close(polling)
			w.pollJobs(pollCtx, q, *pollInterval)
		}()
	} else {
		close(polling)
	}
	srv := &http.Server{
		Addr:         *addr,
		Handler:      w.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("Mock worker listening",
			slog.String("address", *addr),
			slog.String("jobs_endpoint", "/jobs"),
			slog.String("callback", *callback),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Mock worker failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Error stopping mock worker", slog.String("error", err.Error()))
	}
	stopPolling()
	<-polling
	w.Close()
}
