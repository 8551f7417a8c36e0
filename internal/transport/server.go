// Package transport owns the HTTP listener, the WebSocket upgrade path, and
// the per-connection read and write pumps.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/playforge/gateway/internal/config"
	"github.com/playforge/gateway/internal/envelope"
	"github.com/playforge/gateway/internal/monitoring"
	"github.com/playforge/gateway/internal/router"
	"github.com/playforge/gateway/internal/session"
)

// writeWait bounds a single socket write.
const writeWait = 10 * time.Second

// Server accepts WebSocket connections and runs their pumps. The registry
// owns connection lifecycle; the server only moves frames.
type Server struct {
	cfg      *config.Config
	registry *session.Registry
	router   *router.Router
	limiter  *ConnRateLimiter
	logger   zerolog.Logger

	httpServer   *http.Server
	shuttingDown atomic.Bool

	// pingPeriod is derived from the liveness timeout so a healthy client
	// always produces read activity within the sweep window.
	pingPeriod time.Duration
}

// New creates the transport server.
func New(cfg *config.Config, registry *session.Registry, rt *router.Router, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		router:   rt,
		limiter: NewConnRateLimiter(LimiterConfig{
			Enabled:     cfg.ConnRateLimitEnabled,
			IPRate:      cfg.ConnRateIPRate,
			IPBurst:     cfg.ConnRateIPBurst,
			GlobalRate:  cfg.ConnRateGlobalRate,
			GlobalBurst: cfg.ConnRateGlobalBurst,
		}),
		logger:     logger.With().Str("component", "transport").Logger(),
		pingPeriod: cfg.LivenessTimeout * 9 / 10,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", monitoring.Handler())

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}
	return s
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("Transport listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, notifies clients, waits up to the
// configured grace for them to leave, then force-closes the rest.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.limiter.Close()

	if env, err := envelope.New(envelope.TypeSystem, map[string]string{
		"event":  "shutdown",
		"reason": "server restarting",
	}); err == nil {
		if data, err := env.Encode(); err == nil {
			s.registry.Broadcast(data)
		}
	}

	deadline := time.Now().Add(s.cfg.ShutdownGrace)
	for s.registry.Len() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(250 * time.Millisecond):
		}
	}

	remaining := s.registry.ConnIDs()
	if len(remaining) > 0 {
		s.logger.Warn().Int("count", len(remaining)).Msg("Force-closing connections after grace period")
		for _, id := range remaining {
			s.registry.Remove(ctx, id)
		}
	}

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if !s.limiter.Allow(clientIP) {
		monitoring.ConnectionsRejected.WithLabelValues("rate").Inc()
		s.logger.Warn().Str("client_ip", clientIP).Msg("Connection rejected: attempt rate exceeded")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if s.registry.Len() >= s.cfg.MaxConnections {
		monitoring.ConnectionsRejected.WithLabelValues("capacity").Inc()
		s.logger.Warn().
			Str("client_ip", clientIP).
			Int("max_connections", s.cfg.MaxConnections).
			Msg("Connection rejected: instance at capacity")
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.ConnectionsRejected.WithLabelValues("upgrade").Inc()
		s.logger.Error().Err(err).Str("client_ip", clientIP).Msg("WebSocket upgrade failed")
		return
	}

	c, err := s.registry.Add(conn, clientIP)
	if err != nil {
		// Per-address ceiling hit. The socket is already a WebSocket, so say
		// goodbye properly instead of dropping the TCP connection.
		frame := ws.NewCloseFrame(ws.NewCloseFrameBody(
			ws.StatusPolicyViolation, "too many connections from this address"))
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteFrame(conn, frame)
		conn.Close()
		return
	}

	go s.writePump(c)
	go s.readPump(c)
}

// readPump reads frames off the socket and hands them to the router. It is
// the only reader of the transport and the connection's activity source.
func (s *Server) readPump(c *session.Conn) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"conn_id": c.ID(),
	})
	defer s.registry.Remove(context.Background(), c.ID())

	limiter := rate.NewLimiter(rate.Limit(s.cfg.MsgRatePerSec), s.cfg.MsgRateBurst)
	transport := c.Transport()

	for {
		transport.SetReadDeadline(time.Now().Add(s.cfg.LivenessTimeout))

		msg, op, err := wsutil.ReadClientData(transport)
		if err != nil {
			return
		}

		s.registry.Touch(c.ID())
		monitoring.BytesReceived.Add(float64(len(msg)))

		switch op {
		case ws.OpText, ws.OpBinary:
			if !limiter.Allow() {
				monitoring.RateLimitedMessages.Inc()
				s.logger.Warn().
					Str("conn_id", c.ID()).
					Float64("rate_per_sec", s.cfg.MsgRatePerSec).
					Msg("Inbound message rate limited")
				s.sendError(c, envelope.CodeRateLimited, "too many messages, slow down")
				continue
			}
			s.router.HandleInbound(context.Background(), c.ID(), msg)
		case ws.OpClose:
			return
		}
	}
}

// writePump drains the connection's outbound buffer onto the socket, batching
// queued frames behind one flush, and pings on idle.
func (s *Server) writePump(c *session.Conn) {
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"conn_id": c.ID(),
	})

	transport := c.Transport()
	writer := bufio.NewWriter(transport)
	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.Done():
			transport.SetWriteDeadline(time.Now().Add(writeWait))
			wsutil.WriteServerMessage(transport, ws.OpClose, []byte{})
			return

		case message := <-c.Outbound():
			transport.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.writeFrame(writer, c, message); err != nil {
				return
			}

			// Batch whatever else is queued behind one flush.
			n := len(c.Outbound())
			for i := 0; i < n; i++ {
				message = <-c.Outbound()
				if err := s.writeFrame(writer, c, message); err != nil {
					return
				}
			}

			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", c.ID()).Msg("Failed to flush writer")
				return
			}

		case <-ticker.C:
			transport.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(transport, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", c.ID()).Msg("Failed to send ping")
				return
			}
		}
	}
}

func (s *Server) writeFrame(writer *bufio.Writer, c *session.Conn, message []byte) error {
	if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
		s.logger.Debug().Err(err).Str("conn_id", c.ID()).Msg("Failed to write message")
		return err
	}
	monitoring.MessagesSent.Inc()
	monitoring.BytesSent.Add(float64(len(message)))
	return nil
}

func (s *Server) sendError(c *session.Conn, code, message string) {
	env := envelope.SystemError(code, message)
	if data, err := env.Encode(); err == nil {
		s.registry.Send(c.ID(), data)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.shuttingDown.Load() {
		status = "draining"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":      status,
		"instanceId":  s.cfg.InstanceID,
		"connections": s.registry.Len(),
	})
}

// getClientIP extracts the client address, preferring X-Forwarded-For when a
// load balancer sits in front.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
