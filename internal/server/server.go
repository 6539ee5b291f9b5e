package server

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"petrel/internal/auth"
	"petrel/internal/metrics"
	"petrel/internal/models"
	"petrel/internal/storage"
)

// IMAPServer ties the protocol handlers to the mailbox store and the
// authentication backend. One instance serves every connection.
type IMAPServer struct {
	store         *storage.Store
	authenticator auth.Authenticator
	collector     metrics.Collector
	logger        log.Logger
	tlsConfig     *tls.Config
	hostname      string
}

// Options carries the optional collaborators of an IMAPServer. Zero
// values fall back to safe defaults.
type Options struct {
	Hostname  string
	TLSConfig *tls.Config
	Logger    log.Logger
	Metrics   metrics.Collector
}

func NewIMAPServer(store *storage.Store, authenticator auth.Authenticator, opts Options) *IMAPServer {
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = &metrics.NoopCollector{}
	}
	return &IMAPServer{
		store:         store,
		authenticator: authenticator,
		collector:     opts.Metrics,
		logger:        opts.Logger,
		tlsConfig:     opts.TLSConfig,
		hostname:      opts.Hostname,
	}
}

// Serve accepts connections from the listener until Accept fails. Each
// connection gets its own goroutine.
func (s *IMAPServer) Serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go s.HandleConnection(conn)
	}
}

// HandleConnection runs one IMAP session from greeting to disconnect.
func (s *IMAPServer) HandleConnection(conn net.Conn) {
	defer conn.Close()

	s.collector.ConnectionOpened("imap")
	defer s.collector.ConnectionClosed("imap")

	state := &models.ClientState{
		Conn: conn,
	}
	if _, ok := conn.(*tls.Conn); ok {
		// implicit TLS listener
		state.TLSActive = true
		s.collector.TLSEstablished("imap")
	}

	defer func() {
		if r := recover(); r != nil {
			level.Error(s.logger).Log("msg", "session panic", "panic", fmt.Sprintf("%v", r))
			s.sendResponse(conn, "* BYE Internal server error")
		}
	}()

	level.Debug(s.logger).Log("msg", "connection accepted", "remote", remoteAddr(conn))
	handleClient(s, conn, state)
	level.Debug(s.logger).Log("msg", "connection closed", "remote", remoteAddr(conn))
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

// ===== ServerDeps implementations =====

// SendResponse writes one response line followed by CRLF.
func (s *IMAPServer) SendResponse(conn net.Conn, response string) {
	s.sendResponse(conn, response)
}

func (s *IMAPServer) sendResponse(conn net.Conn, response string) {
	if _, err := conn.Write([]byte(response + "\r\n")); err != nil {
		level.Debug(s.logger).Log("msg", "write failed", "err", err)
	}
}

func (s *IMAPServer) Store() *storage.Store { return s.store }

func (s *IMAPServer) Metrics() metrics.Collector { return s.collector }

func (s *IMAPServer) Authenticate(username, password string) (bool, error) {
	return s.authenticator.Authenticate(username, password)
}

func (s *IMAPServer) EnsureUser(username string) error {
	return s.store.EnsureUser(username)
}

func (s *IMAPServer) TLSConfig() *tls.Config { return s.tlsConfig }

func (s *IMAPServer) Hostname() string { return s.hostname }
