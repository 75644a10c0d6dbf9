// Package server serves a storage engine over TCP.
//
// Each accepted connection is handled by one task on a worker pool, or on the
// accept goroutine when no pool is given. A connection carries a stream of
// requests; each one is applied to the engine and answered before the next is
// read. Engine errors are answered with an Err response, while a malformed
// request closes the connection.
package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"kvs/protocol"
	"kvs/storage"
	"kvs/worker"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var ErrServerClosed = errors.New("kvs: server closed")

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

type Server struct {
	logger  log.Logger
	engine  storage.Engine
	pool    *worker.Pool
	metrics *Metrics

	mutex    sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	done     chan struct{}

	wg sync.WaitGroup
}

// New returns a server applying requests to engine. With a nil pool every
// connection is served inline on the accept goroutine, one at a time.
func New(logger log.Logger, registerer prometheus.Registerer, engine storage.Engine, pool *worker.Pool) *Server {
	return &Server{
		logger:  logger,
		engine:  engine,
		pool:    pool,
		metrics: NewMetrics(prometheus.WrapRegistererWithPrefix("kvs_server_", registerer)),
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// Serve accepts connections on l until Close is called, in which case it
// returns ErrServerClosed. Accept errors such as running out of file
// descriptors are logged and retried with a growing delay; only a listener
// closed behind the server's back ends the loop with an error.
func (s *Server) Serve(l net.Listener) error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mutex.Unlock()

	level.Info(s.logger).Log("msg", "serving", "addr", l.Addr(), "inline", s.pool == nil)

	var delay time.Duration

	for {
		conn, err := l.Accept()

		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}

			if errors.Is(err, net.ErrClosed) {
				return errors.Wrap(err, "accept")
			}

			if delay == 0 {
				delay = minAcceptDelay
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}

			s.metrics.acceptErrors.Inc()
			level.Warn(s.logger).Log("msg", "accept failed, retrying", "err", err, "delay", delay)

			select {
			case <-time.After(delay):
			case <-s.done:
				return ErrServerClosed
			}

			continue
		}

		delay = 0

		if !s.track(conn) {
			conn.Close()
			return ErrServerClosed
		}

		if s.pool == nil {
			s.serveInline(conn)
			continue
		}

		if err := s.pool.Spawn(func() { s.serveConn(conn) }); err != nil {
			level.Error(s.logger).Log("msg", "unable to dispatch connection", "peer", conn.RemoteAddr(), "err", err)
			s.untrack(conn)
		}
	}
}

// Close stops accepting connections, closes the live ones and waits for their
// handlers to return.
func (s *Server) Close() error {
	s.mutex.Lock()

	if s.closed {
		s.mutex.Unlock()
		return ErrServerClosed
	}

	s.closed = true
	close(s.done)

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	for conn := range s.conns {
		conn.Close()
	}

	s.mutex.Unlock()

	s.wg.Wait()

	return err
}

func (s *Server) isClosed() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.closed
}

func (s *Server) track(conn net.Conn) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return false
	}

	s.conns[conn] = struct{}{}
	s.wg.Add(1)

	s.metrics.connections.Inc()
	s.metrics.activeConnections.Inc()

	return true
}

func (s *Server) untrack(conn net.Conn) {
	conn.Close()

	s.mutex.Lock()
	delete(s.conns, conn)
	s.mutex.Unlock()

	s.metrics.activeConnections.Dec()
	s.wg.Done()
}

func (s *Server) serveInline(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(s.logger).Log("msg", "connection handler panicked", "peer", conn.RemoteAddr(), "panic", fmt.Sprint(r))
		}
	}()

	s.serveConn(conn)
}

// serveConn runs the request loop of one connection. A panic unwinds through
// the deferred untrack, so the peer sees the connection close.
func (s *Server) serveConn(conn net.Conn) {
	defer s.untrack(conn)

	peer := conn.RemoteAddr().String()
	level.Debug(s.logger).Log("msg", "connection accepted", "peer", peer)

	dec := json.NewDecoder(conn)
	w := bufio.NewWriter(conn)
	enc := json.NewEncoder(w)

	for {
		var req protocol.Request

		if err := dec.Decode(&req); err != nil {
			switch {
			case errors.Is(err, io.EOF):
				level.Debug(s.logger).Log("msg", "connection closed by peer", "peer", peer)
			case errors.Is(err, net.ErrClosed):
			default:
				s.metrics.malformedRequests.Inc()
				level.Warn(s.logger).Log("msg", "closing connection after bad request", "peer", peer, "err", err)
			}
			return
		}

		resp := s.handle(req)

		if err := enc.Encode(resp); err != nil {
			level.Warn(s.logger).Log("msg", "unable to encode response", "peer", peer, "err", err)
			return
		}

		if err := w.Flush(); err != nil {
			level.Warn(s.logger).Log("msg", "unable to write response", "peer", peer, "err", err)
			return
		}
	}
}

func (s *Server) handle(req protocol.Request) protocol.Response {
	op := req.Op.String()
	start := time.Now()

	defer func() {
		s.metrics.requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	s.metrics.requests.WithLabelValues(op).Inc()

	var (
		resp protocol.Response
		err  error
	)

	switch req.Op {
	case protocol.OpGet:
		var (
			value string
			found bool
		)
		value, found, err = s.engine.Get(req.Key)
		resp = protocol.GetResponse(value, found)
	case protocol.OpSet:
		err = s.engine.Set(req.Key, req.Value)
		resp = protocol.SetResponse(req.Value)
	case protocol.OpRemove:
		err = s.engine.Remove(req.Key)
		resp = protocol.RemoveResponse()
	default:
		err = errors.Errorf("unsupported op %d", req.Op)
	}

	if err != nil {
		s.metrics.requestErrors.WithLabelValues(op).Inc()

		if errors.Is(err, storage.ErrKeyNotFound) {
			level.Debug(s.logger).Log("msg", "key not found", "op", op, "key", req.Key)
		} else {
			level.Error(s.logger).Log("msg", "request failed", "op", op, "key", req.Key, "err", err)
		}

		return protocol.ErrResponse(ErrorMessage(err))
	}

	return resp
}

// ErrorMessage is the text sent to clients for err. A missing key is always
// reported as exactly "Key not found" so clients can recognise it.
func ErrorMessage(err error) string {
	if errors.Is(err, storage.ErrKeyNotFound) {
		return storage.ErrKeyNotFound.Error()
	}

	return err.Error()
}
