// Package smtp implements the submission service. Authenticated users
// hand in mail for local recipients; every accepted message lands in the
// recipient's INBOX and the sender's Sent folder through the same
// registry-backed append path the IMAP side reads from.
package smtp

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"petrel/internal/auth"
	"petrel/internal/metrics"
	"petrel/internal/storage"
)

// Backend creates one session per SMTP connection.
type Backend struct {
	store         *storage.Store
	authenticator auth.Authenticator
	domain        string
	collector     metrics.Collector
	logger        log.Logger
}

// Options carries the optional collaborators of a Backend.
type Options struct {
	Logger  log.Logger
	Metrics metrics.Collector
}

func NewBackend(store *storage.Store, authenticator auth.Authenticator, domain string, opts Options) *Backend {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = &metrics.NoopCollector{}
	}
	return &Backend{
		store:         store,
		authenticator: authenticator,
		domain:        domain,
		collector:     opts.Metrics,
		logger:        opts.Logger,
	}
}

func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	b.collector.ConnectionOpened("smtp")
	return &session{backend: b}, nil
}

// ServerConfig holds the listener settings for NewServer.
type ServerConfig struct {
	Addr            string
	Domain          string
	MaxMessageBytes int64
	MaxRecipients   int
	TLSConfig       *tls.Config
}

// NewServer wires a Backend into a ready-to-run go-smtp server.
func NewServer(backend *Backend, cfg ServerConfig) *gosmtp.Server {
	s := gosmtp.NewServer(backend)
	s.Addr = cfg.Addr
	s.Domain = cfg.Domain
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.MaxRecipients = cfg.MaxRecipients
	s.TLSConfig = cfg.TLSConfig
	s.ReadTimeout = 5 * time.Minute
	s.WriteTimeout = 5 * time.Minute
	// submission without TLS is allowed, same as IMAP LOGIN
	s.AllowInsecureAuth = true
	return s
}

type session struct {
	backend  *Backend
	username string
	from     string
	rcpts    []string
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, gosmtp.ErrAuthUnsupported
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		user := localPart(username)
		ok, err := s.backend.authenticator.Authenticate(user, password)
		if err != nil {
			s.backend.collector.AuthAttempt("smtp", false)
			return err
		}
		if !ok {
			s.backend.collector.AuthAttempt("smtp", false)
			return fmt.Errorf("invalid credentials")
		}
		s.backend.collector.AuthAttempt("smtp", true)
		s.username = user
		return nil
	}), nil
}

func (s *session) Mail(from string, opts *gosmtp.MailOptions) error {
	if s.username == "" {
		return &gosmtp.SMTPError{
			Code:         530,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, opts *gosmtp.RcptOptions) error {
	user, domain, ok := splitAddress(to)
	if !ok || !strings.EqualFold(domain, s.backend.domain) {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "User not local",
		}
	}
	s.rcpts = append(s.rcpts, user)
	return nil
}

func (s *session) Data(r io.Reader) error {
	if s.from == "" || len(s.rcpts) == 0 {
		return &gosmtp.SMTPError{
			Code:         503,
			EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands",
		}
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	raw = s.backend.defaultHeaders(raw)

	for _, rcpt := range s.rcpts {
		if err := s.backend.deliver(rcpt, "INBOX", raw); err != nil {
			level.Error(s.backend.logger).Log("msg", "delivery failed", "rcpt", rcpt, "err", err)
			return &gosmtp.SMTPError{
				Code:         451,
				EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
				Message:      "Local delivery failed",
			}
		}
	}

	// the submitter gets a copy in Sent, failure there does not bounce
	// the accepted message
	if err := s.backend.deliver(s.username, "Sent", raw); err != nil {
		level.Warn(s.backend.logger).Log("msg", "sent copy failed", "user", s.username, "err", err)
	}

	level.Info(s.backend.logger).Log("msg", "message accepted", "from", s.from, "rcpts", len(s.rcpts), "bytes", len(raw))
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *session) Logout() error {
	s.backend.collector.ConnectionClosed("smtp")
	return nil
}

func (b *Backend) deliver(user, folder string, raw []byte) error {
	if err := b.store.EnsureUser(user); err != nil {
		return err
	}
	mbox, err := b.store.Mailbox(user, folder, true)
	if err != nil {
		return err
	}
	if _, err := mbox.Save(raw); err != nil {
		return err
	}
	b.collector.MessageDelivered(folder, int64(len(raw)))
	return nil
}

// defaultHeaders prepends Date and Message-ID when the submitted message
// lacks them.
func (b *Backend) defaultHeaders(raw []byte) []byte {
	header := raw
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i != -1 {
		header = raw[:i+2]
	} else if i := bytes.Index(raw, []byte("\n\n")); i != -1 {
		header = raw[:i+1]
	}

	var missing []byte
	if !hasHeader(header, "Date") {
		missing = append(missing, []byte("Date: "+time.Now().UTC().Format(time.RFC1123Z)+"\r\n")...)
	}
	if !hasHeader(header, "Message-ID") {
		id := fmt.Sprintf("Message-ID: <%d.petrel@%s>\r\n", time.Now().UnixNano(), b.domain)
		missing = append(missing, []byte(id)...)
	}
	if len(missing) == 0 {
		return raw
	}
	return append(missing, raw...)
}

func hasHeader(header []byte, name string) bool {
	prefix := []byte(strings.ToLower(name) + ":")
	for _, line := range bytes.Split(header, []byte("\n")) {
		line = bytes.ToLower(bytes.TrimRight(line, "\r"))
		if bytes.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// localPart strips an optional @domain suffix from a username.
func localPart(username string) string {
	if i := strings.Index(username, "@"); i != -1 {
		return username[:i]
	}
	return username
}

func splitAddress(addr string) (user, domain string, ok bool) {
	addr = strings.Trim(addr, "<>")
	i := strings.LastIndex(addr, "@")
	if i <= 0 || i == len(addr)-1 {
		return "", "", false
	}
	return addr[:i], addr[i+1:], true
}
