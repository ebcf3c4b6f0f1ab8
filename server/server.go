// Package server implements the RTR serve engine shared by the plain TCP
// and TLS targets: the accept loop, the per-connection protocol state
// machine, and the fan-out of new-version notifications to connected
// clients.
package server

import (
	"context"
	"net"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sumkincpp/rtrtr/pkg/metrics"
	"github.com/sumkincpp/rtrtr/rtr/state"
)

// Timers are the refresh/retry/expire values handed to clients in every
// version 1 End of Data PDU. The server itself does not act on them.
type Timers struct {
	Refresh uint32
	Retry   uint32
	Expire  uint32
}

// DefaultTimers are the RFC 8210 recommended values.
var DefaultTimers = Timers{Refresh: 3600, Retry: 600, Expire: 7200}

type ServerOptions struct {
	Logger *zap.Logger
	// Name identifies the owning target in logs and metrics.
	Name   string
	Cache  *state.Cache
	Timers Timers
}

// Server accepts RTR connections and keeps the set of live clients. One
// Server may drive several listeners; the owning target calls Notify
// whenever its cache advanced to a new serial.
type Server struct {
	logger  *zap.Logger
	name    string
	cache   *state.Cache
	timers  Timers
	metrics *metrics.RtrMetrics
	attrs   metric.MeasurementOption

	lock    sync.Mutex
	clients map[*Client]struct{}
	closed  bool
}

func NewServer(opts *ServerOptions) *Server {
	timers := opts.Timers
	if timers == (Timers{}) {
		timers = DefaultTimers
	}
	return &Server{
		logger:  opts.Logger,
		name:    opts.Name,
		cache:   opts.Cache,
		timers:  timers,
		metrics: metrics.GetRtrMetrics(),
		attrs:   metric.WithAttributes(attribute.String("component", opts.Name)),
		clients: make(map[*Client]struct{}),
	}
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			// Accept() returns an error with substring "use of closed
			// network connection" if the socket has been closed elsewhere
			// (ie. during graceful stop, instead of EOF). See
			// https://github.com/golang/go/issues/4373 for info.
			if strings.Contains(err.Error(), "use of closed network connection") {
				break
			}

			s.logger.Error("failed to accept rtr client", zap.Error(err))
			break
		}

		s.handleNewConnection(ctx, conn)
	}

	err := l.Close()
	if err != nil && !isClosedErr(err) {
		s.logger.Error("failed to close rtr listener", zap.Error(err))
	}

	return nil
}

func (s *Server) handleNewConnection(ctx context.Context, conn net.Conn) {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		_ = conn.Close()
		return
	}

	client := newClient(&clientOptions{
		Logger: s.logger.With(
			zap.Stringer("address", conn.RemoteAddr()),
		),
		ParentServer: s,
		Conn:         conn,
	})
	s.clients[client] = struct{}{}
	s.lock.Unlock()

	s.logger.Info("new rtr client connected",
		zap.Stringer("address", conn.RemoteAddr()))
	s.metrics.NewConnections.Add(ctx, 1, s.attrs)
	s.metrics.ActiveConnections.Add(ctx, 1, s.attrs)

	go func() {
		client.run(ctx)
		s.metrics.ActiveConnections.Add(ctx, -1, s.attrs)
	}()
}

func (s *Server) handleClientDisconnect(client *Client) {
	s.lock.Lock()
	delete(s.clients, client)
	s.lock.Unlock()
}

// Notify wakes every connected client so it can send a Serial Notify for
// the now-current serial. Never blocks: a client that already has a
// pending wake-up coalesces.
func (s *Server) Notify() {
	s.lock.Lock()
	for client := range s.clients {
		select {
		case client.notify <- struct{}{}:
		default:
		}
	}
	s.lock.Unlock()
}

// ClientCount returns the number of live connections.
func (s *Server) ClientCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.clients)
}

// Shutdown closes all client connections. The accept loop is stopped by
// closing the listener, which the owning target does.
func (s *Server) Shutdown() {
	s.lock.Lock()
	s.closed = true
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.lock.Unlock()

	for _, client := range clients {
		client.close()
	}
}
