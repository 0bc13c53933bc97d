package server

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/pmkol/fwdns/pkg/config"
	"github.com/pmkol/fwdns/pkg/resolver"
)

var (
	ErrServerClosed   = errors.New("server closed")
	errMissingHandler = errors.New("missing dns handler")
)

var nopLogger = zap.NewNop()

const (
	defaultConcurrency = 1024
	defaultQueueSize   = 1024
)

// Handler answers a decoded query with a wire response. It must not
// retain req.Raw after returning.
type Handler interface {
	Handle(ctx context.Context, req resolver.Request) []byte
}

type ServerOpts struct {
	// Logger optionally specifies a logger for the server logging.
	// A nil Logger will disable the logging.
	Logger *zap.Logger

	// Handler is required.
	Handler Handler

	// Concurrency bounds the number of queries handled at the same
	// time. Default is 1024.
	Concurrency int

	// QueueSize is the number of datagrams that can wait for a free
	// slot. Datagrams beyond it are dropped. Default is 1024.
	QueueSize int

	// Config provides the client ACL. Optional.
	Config config.Provider

	// Metrics is optional.
	Metrics *Metrics
}

func (opts *ServerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
}

type Server struct {
	opts ServerOpts

	m             sync.Mutex
	closed        bool
	closerTracker map[io.Closer]struct{}
	wg            sync.WaitGroup
}

func NewServer(opts ServerOpts) *Server {
	opts.init()
	return &Server{
		opts: opts,
	}
}

// Closed returns true if server was closed.
func (s *Server) Closed() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closed
}

// trackCloser adds or removes c to the Server and return true if Server is not closed.
// Every added closer holds the Server's wait group until it is removed.
func (s *Server) trackCloser(c io.Closer, add bool) bool {
	s.m.Lock()
	defer s.m.Unlock()

	if s.closerTracker == nil {
		s.closerTracker = make(map[io.Closer]struct{})
	}

	if add {
		if s.closed {
			return false
		}
		s.closerTracker[c] = struct{}{}
		s.wg.Add(1)
	} else {
		if _, ok := s.closerTracker[c]; ok {
			delete(s.closerTracker, c)
			s.wg.Done()
		}
	}
	return true
}

// Close closes the Server and all its inner listeners, then waits for
// the queued queries to be handled.
func (s *Server) Close() {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		return
	}

	s.closed = true

	closers := make([]io.Closer, 0, len(s.closerTracker))
	for c := range s.closerTracker {
		closers = append(closers, c)
	}
	s.m.Unlock()

	for _, c := range closers {
		_ = c.Close()
	}

	s.wg.Wait()
}
