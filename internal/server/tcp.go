package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/openchlai/ai-sub002/internal/audio"
	"github.com/openchlai/ai-sub002/internal/metrics"
	"github.com/openchlai/ai-sub002/internal/protocol"
	"github.com/openchlai/ai-sub002/internal/session"
)

// TCPConfig contains the ingest listener and per-connection audio settings
type TCPConfig struct {
	BindAddress     string
	Port            int
	MaxConnections  int
	HeaderDelimiter byte
	MaxHeaderLength int
	HeaderTimeout   time.Duration
	ReadBufferSize  int
	ShutdownTimeout time.Duration
	NodeID          string

	SampleRate      int
	FrameDurationMS int
	StrictFrames    bool
	ByteOrder       binary.ByteOrder
	WindowDuration  time.Duration
	OverlapDuration time.Duration
}

// SessionRegistry is the part of the session registry a connection drives
type SessionRegistry interface {
	Start(ctx context.Context, callID string, conn session.ConnectionInfo) (*session.Session, error)
	Touch(callID string) bool
	End(ctx context.Context, callID string, reason session.Reason) *session.Session
}

// WindowDispatcher accepts completed audio windows
type WindowDispatcher interface {
	Dispatch(sess *session.Session, window *audio.Window) bool
}

// TCPServer accepts call audio connections from the telephony switch. Each
// connection carries one call: a delimited call id followed by raw PCM
// until the switch closes the stream.
type TCPServer struct {
	config     TCPConfig
	frameSize  int
	registry   SessionRegistry
	dispatcher WindowDispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger

	listener net.Listener
	slots    *semaphore.Weighted

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	conns map[string]*connection
	mu    sync.RWMutex

	// Statistics
	accepted       atomic.Uint64
	rejected       atomic.Uint64
	bytesReceived  atomic.Uint64
	anomalies      atomic.Uint64
	windowsEmitted atomic.Uint64
	windowsDropped atomic.Uint64
}

// connection is the state of one live call connection
type connection struct {
	id         string
	callID     string
	sess       *session.Session
	remoteAddr string
	startTime  time.Time
	buffer     *audio.Buffer
	conn       net.Conn

	bytesReceived atomic.Uint64
	anomalies     atomic.Uint64
}

// ConnectionStats describes one live connection for the status endpoint
type ConnectionStats struct {
	ID            string            `json:"id"`
	CallID        string            `json:"call_id"`
	RemoteAddr    string            `json:"remote_addr"`
	StartTime     time.Time         `json:"start_time"`
	BytesReceived uint64            `json:"bytes_received"`
	Anomalies     uint64            `json:"protocol_anomalies"`
	Buffer        audio.BufferStats `json:"buffer"`
}

// ServerStatistics represents ingest server counters
type ServerStatistics struct {
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ConnectionsRejected uint64 `json:"connections_rejected"`
	ActiveConnections   int    `json:"active_connections"`
	MaxConnections      int    `json:"max_connections"`
	BytesReceived       uint64 `json:"bytes_received"`
	ProtocolAnomalies   uint64 `json:"protocol_anomalies"`
	WindowsEmitted      uint64 `json:"windows_emitted"`
	WindowsDropped      uint64 `json:"windows_dropped"`
}

// NewTCPServer creates a new ingest server instance
func NewTCPServer(cfg TCPConfig, registry SessionRegistry, dispatcher WindowDispatcher, m *metrics.Metrics, logger *slog.Logger) (*TCPServer, error) {
	if cfg.MaxConnections < 1 {
		return nil, fmt.Errorf("max connections must be at least 1, got %d", cfg.MaxConnections)
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.ByteOrder == nil {
		cfg.ByteOrder = binary.LittleEndian
	}

	frameSize := protocol.FrameSize(cfg.SampleRate, cfg.FrameDurationMS)
	if _, err := protocol.NewFrameSplitter(frameSize, cfg.StrictFrames); err != nil {
		return nil, fmt.Errorf("invalid frame geometry: %w", err)
	}
	// Reads are whole frames so a full buffer is never misaligned
	if rem := cfg.ReadBufferSize % frameSize; rem != 0 {
		cfg.ReadBufferSize = max(frameSize, cfg.ReadBufferSize-rem)
	}
	// Fail on bad window geometry here rather than on every connection
	if _, err := audio.NewBuffer(bufferConfig(cfg, frameSize)); err != nil {
		return nil, fmt.Errorf("invalid window geometry: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &TCPServer{
		config:     cfg,
		frameSize:  frameSize,
		registry:   registry,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
		slots:      semaphore.NewWeighted(int64(cfg.MaxConnections)),
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[string]*connection),
	}, nil
}

func bufferConfig(cfg TCPConfig, frameSize int) audio.BufferConfig {
	return audio.BufferConfig{
		SampleRate:      cfg.SampleRate,
		FrameSize:       frameSize,
		WindowDuration:  cfg.WindowDuration,
		OverlapDuration: cfg.OverlapDuration,
		ByteOrder:       cfg.ByteOrder,
	}
}

// Start begins accepting connections
func (s *TCPServer) Start() error {
	addr := net.JoinHostPort(s.config.BindAddress, fmt.Sprint(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP %s: %w", addr, err)
	}
	s.listener = listener

	s.logger.Info("TCP server started",
		slog.String("address", listener.Addr().String()),
		slog.Int("max_connections", s.config.MaxConnections),
		slog.Int("frame_size", s.frameSize),
		slog.Bool("strict_frames", s.config.StrictFrames),
	)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the listening address, or nil before Start
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every live connection, then waits for the
// connections to finish their teardown
func (s *TCPServer) Stop() error {
	s.logger.Info("Stopping TCP server...")

	s.cancel()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("Error closing TCP listener", slog.String("error", err.Error()))
		}
	}

	// Unblock connection reads; each handler ends its call as completed
	s.mu.RLock()
	for _, c := range s.conns {
		c.conn.Close()
	}
	s.mu.RUnlock()

	s.wg.Wait()

	stats := s.GetStatistics()
	s.logger.Info("TCP server stopped",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("connections_rejected", stats.ConnectionsRejected),
		slog.Uint64("bytes_received", stats.BytesReceived),
		slog.Uint64("protocol_anomalies", stats.ProtocolAnomalies),
	)

	return nil
}

// acceptLoop is the main connection accepting loop
func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to accept connection", slog.String("error", err.Error()))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.slots.TryAcquire(1) {
			s.rejected.Add(1)
			s.metrics.RecordConnectionRejected()
			s.logger.Warn("Connection limit reached, rejecting connection",
				slog.String("remote_addr", conn.RemoteAddr().String()),
				slog.Int("max_connections", s.config.MaxConnections),
			)
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.slots.Release(1)
			s.serveConn(conn)
		}()
	}
}

// serveConn runs one call from header to teardown
func (s *TCPServer) serveConn(conn net.Conn) {
	defer conn.Close()

	s.accepted.Add(1)
	s.metrics.RecordConnectionAccepted()
	defer s.metrics.RecordConnectionClosed()

	// Validated in NewTCPServer
	buffer, _ := audio.NewBuffer(bufferConfig(s.config, s.frameSize))
	splitter, _ := protocol.NewFrameSplitter(s.frameSize, s.config.StrictFrames)

	c := &connection{
		id:         uuid.NewString(),
		remoteAddr: conn.RemoteAddr().String(),
		startTime:  time.Now(),
		buffer:     buffer,
		conn:       conn,
	}
	s.track(c)
	defer s.untrack(c.id)

	logger := s.logger.With(
		slog.String("connection_id", c.id),
		slog.String("remote_addr", c.remoteAddr),
	)

	callID, rest, err := s.readHeader(conn)
	if err != nil {
		if errors.Is(err, protocol.ErrHeaderTooLong) || errors.Is(err, protocol.ErrInvalidCallID) {
			s.recordAnomaly(c, "header")
			logger.Warn("Rejecting connection with invalid header", slog.String("error", err.Error()))
		} else {
			logger.Debug("Connection closed before call id", slog.String("error", err.Error()))
		}
		return
	}
	s.mu.Lock()
	c.callID = callID
	s.mu.Unlock()
	logger = logger.With(slog.String("call_id", callID))

	startCtx, cancel := context.WithTimeout(s.ctx, s.config.ShutdownTimeout)
	sess, err := s.registry.Start(startCtx, callID, session.ConnectionInfo{
		RemoteAddr: c.remoteAddr,
		LocalAddr:  conn.LocalAddr().String(),
		NodeID:     s.config.NodeID,
	})
	cancel()
	if err != nil {
		logger.Error("Failed to start call session, closing connection", slog.String("error", err.Error()))
		return
	}
	c.sess = sess

	logger.Info("Call audio stream opened")

	reason := s.readAudio(c, splitter, rest, logger)

	// Teardown runs even when the server is shutting down
	if w := c.buffer.Flush(); w != nil {
		s.emit(c, w)
	}

	endCtx, endCancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.config.ShutdownTimeout)
	defer endCancel()
	s.registry.End(endCtx, callID, reason)

	stats := c.buffer.Stats()
	c.buffer.Reset()

	logger.Info("Call audio stream closed",
		slog.String("reason", string(reason)),
		slog.Uint64("bytes_received", c.bytesReceived.Load()),
		slog.Uint64("windows_emitted", stats.WindowsEmitted),
		slog.Uint64("protocol_anomalies", c.anomalies.Load()),
		slog.Duration("duration", time.Since(c.startTime)),
	)
}

// readHeader reads until the call id delimiter. rest holds any audio bytes
// that arrived in the same read as the delimiter.
func (s *TCPServer) readHeader(conn net.Conn) (string, []byte, error) {
	if s.config.HeaderTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.config.HeaderTimeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	header := protocol.NewHeaderReader(s.config.HeaderDelimiter, s.config.MaxHeaderLength)
	buf := make([]byte, s.config.ReadBufferSize)
	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			callID, rest, done, err := header.Feed(buf[:n])
			if err != nil {
				return "", nil, err
			}
			if done {
				return callID, rest, nil
			}
		}
		if readErr != nil {
			return "", nil, fmt.Errorf("%w after %d header bytes", readErr, header.Buffered())
		}
	}
}

// readAudio feeds the connection's audio into its buffer until the stream
// ends and returns the end reason
func (s *TCPServer) readAudio(c *connection, splitter *protocol.FrameSplitter, first []byte, logger *slog.Logger) session.Reason {
	if len(first) > 0 {
		s.feed(c, splitter, first, logger)
	}

	buf := make([]byte, s.config.ReadBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			s.feed(c, splitter, buf[:n], logger)
		}
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, io.EOF):
			return session.ReasonCompleted
		case s.ctx.Err() != nil:
			return session.ReasonCompleted
		default:
			logger.Warn("Call audio read failed", slog.String("error", err.Error()))
			return session.ReasonError
		}
	}
}

// feed splits one read into frames and hands completed windows on
func (s *TCPServer) feed(c *connection, splitter *protocol.FrameSplitter, p []byte, logger *slog.Logger) {
	c.bytesReceived.Add(uint64(len(p)))
	s.bytesReceived.Add(uint64(len(p)))
	s.metrics.RecordBytesReceived(len(p))

	frames, err := splitter.Split(p)
	if err != nil {
		s.recordAnomaly(c, "misaligned_read")
		logger.Warn("Discarding misaligned read",
			slog.Int("read_size", len(p)),
			slog.Int("frame_size", s.frameSize),
		)
		return
	}

	for _, frame := range frames {
		window, err := c.buffer.AddFrame(frame)
		if err != nil {
			s.recordAnomaly(c, "frame")
			logger.Warn("Discarding frame", slog.String("error", err.Error()))
			continue
		}
		if window != nil {
			s.emit(c, window)
		}
	}
}

func (s *TCPServer) emit(c *connection, w *audio.Window) {
	s.windowsEmitted.Add(1)
	s.metrics.RecordWindowEmitted(w.Duration.Seconds())
	s.registry.Touch(c.callID)
	if !s.dispatcher.Dispatch(c.sess, w) {
		s.windowsDropped.Add(1)
	}
}

func (s *TCPServer) recordAnomaly(c *connection, kind string) {
	c.anomalies.Add(1)
	s.anomalies.Add(1)
	s.metrics.RecordProtocolAnomaly(kind)
}

func (s *TCPServer) track(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.id] = c
	// Stop may already have swept the live connections
	if s.ctx.Err() != nil {
		c.conn.Close()
	}
}

func (s *TCPServer) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

// Connections returns per-connection statistics in start order
func (s *TCPServer) Connections() []ConnectionStats {
	s.mu.RLock()
	out := make([]ConnectionStats, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, ConnectionStats{
			ID:            c.id,
			CallID:        c.callID,
			RemoteAddr:    c.remoteAddr,
			StartTime:     c.startTime,
			BytesReceived: c.bytesReceived.Load(),
			Anomalies:     c.anomalies.Load(),
			Buffer:        c.buffer.Stats(),
		})
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b ConnectionStats) int {
		return a.StartTime.Compare(b.StartTime)
	})
	return out
}

// GetStatistics returns current server statistics
func (s *TCPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	active := len(s.conns)
	s.mu.RUnlock()

	return ServerStatistics{
		ConnectionsAccepted: s.accepted.Load(),
		ConnectionsRejected: s.rejected.Load(),
		ActiveConnections:   active,
		MaxConnections:      s.config.MaxConnections,
		BytesReceived:       s.bytesReceived.Load(),
		ProtocolAnomalies:   s.anomalies.Load(),
		WindowsEmitted:      s.windowsEmitted.Load(),
		WindowsDropped:      s.windowsDropped.Load(),
	}
}
