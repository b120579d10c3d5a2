package api

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// ArrowServer is a TCP server that accepts Arrow IPC request batches.
type ArrowServer struct {
	listener net.Listener
	handler  *ArrowHandler
	auth     *Authenticator
	log      logrus.FieldLogger
	running  bool
	mu       sync.Mutex
	quit     chan struct{}
	conns    sync.WaitGroup
}

// NewArrowServer creates a server submitting batches to n. A nil auth
// disables the handshake.
func NewArrowServer(n RequestSubmitter, auth *Authenticator, log logrus.FieldLogger) *ArrowServer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if auth == nil {
		auth = NewAuthenticator(AuthConfig{})
	}
	log = log.WithField("component", "arrow")
	return &ArrowServer{
		handler: NewArrowHandler(n, log),
		auth:    auth,
		log:     log,
	}
}

// listen binds address and marks the server running.
func (s *ArrowServer) listen(address string) (net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, fmt.Errorf("server is already running")
	}

	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = lis
	s.running = true
	s.quit = make(chan struct{})
	s.log.WithFields(logrus.Fields{
		"addr": lis.Addr().String(),
		"auth": s.auth.IsEnabled(),
	}).Info("Arrow server listening")
	return lis, nil
}

// Start starts the Arrow server on the specified address.
// This method blocks until the server is stopped or fails.
func (s *ArrowServer) Start(address string) error {
	lis, err := s.listen(address)
	if err != nil {
		return err
	}
	s.acceptLoop(lis, s.quit)
	return nil
}

// StartAsync starts the server in a background goroutine.
func (s *ArrowServer) StartAsync(address string) error {
	lis, err := s.listen(address)
	if err != nil {
		return err
	}
	go s.acceptLoop(lis, s.quit)
	return nil
}

func (s *ArrowServer) acceptLoop(lis net.Listener, quit <-chan struct{}) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("Accept failed")
			continue
		}
		s.conns.Add(1)
		go s.handleConnection(conn, quit)
	}
}

// Addr returns the listening address, empty before start.
func (s *ArrowServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and waits for open connections to finish their
// current frame.
func (s *ArrowServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.quit)
	if err := s.listener.Close(); err != nil {
		s.log.WithError(err).Debug("Listener close failed")
	}
	s.mu.Unlock()

	s.conns.Wait()
}

// handleConnection serves one client: optional handshake, then request
// frames answered by receipt frames until the client hangs up.
func (s *ArrowServer) handleConnection(conn net.Conn, quit <-chan struct{}) {
	defer s.conns.Done()
	defer conn.Close()

	// Unblock the reads below on Stop.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-quit:
			_ = conn.Close()
		case <-done:
		}
	}()

	log := s.log.WithField("remote", conn.RemoteAddr().String())
	if err := s.auth.ServerHandshake(conn); err != nil {
		log.WithError(err).Warn("Authentication failed")
		return
	}

	for {
		payload, err := ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.WithError(err).Debug("Read failed")
			}
			return
		}

		response, err := s.handler.ProcessBatch(payload)
		if err != nil {
			log.WithError(err).Warn("Rejected request batch")
			return
		}

		if err := WriteMessage(conn, response); err != nil {
			log.WithError(err).Debug("Write failed")
			return
		}
	}
}
