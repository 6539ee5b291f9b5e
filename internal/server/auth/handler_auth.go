package auth

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strings"

	"github.com/emersion/go-sasl"

	"petrel/internal/metrics"
	"petrel/internal/models"
)

// ServerDeps defines the dependencies that auth handlers need from the server
type ServerDeps interface {
	SendResponse(conn net.Conn, response string)
	Authenticate(username, password string) (bool, error)
	EnsureUser(username string) error
	TLSConfig() *tls.Config
	Hostname() string
	Metrics() metrics.Collector
}

// Capabilities lists the advertised capabilities. STARTTLS disappears
// once the connection is already under TLS.
func Capabilities(tlsActive bool) string {
	caps := []string{"IMAP4rev1", "LITERAL+", "IDLE", "UNSELECT", "NAMESPACE", "AUTH=PLAIN"}
	if !tlsActive {
		caps = append(caps, "STARTTLS")
	}
	return strings.Join(caps, " ")
}

// ===== CAPABILITY =====

func HandleCapability(deps ServerDeps, conn net.Conn, tag string, state *models.ClientState) {
	deps.SendResponse(conn, "* CAPABILITY "+Capabilities(state.TLSActive))
	deps.Metrics().CommandProcessed("CAPABILITY")
	deps.SendResponse(conn, fmt.Sprintf("%s OK CAPABILITY completed", tag))
}

// ===== LOGIN =====

func HandleLogin(deps ServerDeps, conn net.Conn, tag string, parts []string, state *models.ClientState) {
	if state.Authenticated {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [ALREADYAUTHENTICATED] Already authenticated", tag))
		return
	}

	if len(parts) < 4 {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD LOGIN requires username and password", tag))
		return
	}

	username := strings.Trim(parts[2], "\"")
	password := strings.Trim(parts[3], "\"")

	authenticateUser(deps, conn, tag, username, password, state)
}

// ===== AUTHENTICATE =====

// HandleAuthenticate implements AUTHENTICATE PLAIN. The continuation
// line is read from the session reader so buffered bytes are not lost.
func HandleAuthenticate(deps ServerDeps, reader *bufio.Reader, conn net.Conn, tag string, parts []string, state *models.ClientState) {
	if state.Authenticated {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [ALREADYAUTHENTICATED] Already authenticated", tag))
		return
	}

	if len(parts) < 3 {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD AUTHENTICATE requires authentication mechanism", tag))
		return
	}

	if strings.ToUpper(parts[2]) != "PLAIN" {
		deps.SendResponse(conn, fmt.Sprintf("%s NO Unsupported authentication mechanism", tag))
		return
	}

	deps.SendResponse(conn, "+")

	line, err := reader.ReadString('\n')
	if err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [AUTHENTICATIONFAILED] Authentication failed", tag))
		return
	}
	authData := strings.TrimSpace(line)

	// RFC 3501: a lone "*" cancels the exchange
	if authData == "*" {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD Authentication exchange cancelled", tag))
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(authData)
	if err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD Invalid base64 data", tag))
		return
	}

	var username string
	server := sasl.NewPlainServer(func(identity, user, password string) error {
		username = user
		ok, err := deps.Authenticate(stripDomain(user), password)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("invalid credentials")
		}
		return nil
	})

	if _, _, err := server.Next(decoded); err != nil {
		deps.Metrics().AuthAttempt("imap", false)
		deps.SendResponse(conn, fmt.Sprintf("%s NO [AUTHENTICATIONFAILED] Authentication failed", tag))
		return
	}

	deps.Metrics().AuthAttempt("imap", true)
	completeLogin(deps, conn, tag, stripDomain(username), state)
}

// ===== STARTTLS =====

// HandleStartTLS upgrades the connection. The tagged OK goes out in
// plaintext, then the handshake runs. Session state survives the
// upgrade; only the transport changes. The returned conn replaces the
// session's, with ok false when the session must end.
func HandleStartTLS(deps ServerDeps, conn net.Conn, tag string, parts []string, state *models.ClientState) (net.Conn, bool) {
	if len(parts) > 2 {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD STARTTLS command does not accept arguments", tag))
		return conn, true
	}

	if state.TLSActive {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD TLS already active", tag))
		return conn, true
	}

	tlsConfig := deps.TLSConfig()
	if tlsConfig == nil {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD TLS not available", tag))
		return conn, true
	}

	// RFC 3501: the OK goes out before the TLS negotiation starts
	deps.SendResponse(conn, fmt.Sprintf("%s OK Begin TLS negotiation now", tag))

	tlsConn := tls.Server(conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		_ = tlsConn.Close()
		return nil, false
	}

	state.TLSActive = true
	state.Conn = tlsConn
	deps.Metrics().TLSEstablished("imap")
	return tlsConn, true
}

// ===== LOGOUT =====

func HandleLogout(deps ServerDeps, conn net.Conn, tag string) {
	deps.SendResponse(conn, fmt.Sprintf("* BYE %s IMAP4rev1 Server logging out", deps.Hostname()))
	deps.Metrics().CommandProcessed("LOGOUT")
	deps.SendResponse(conn, fmt.Sprintf("%s OK LOGOUT completed", tag))
}

// ===== AUTHENTICATE USER (Shared Auth Logic) =====

func authenticateUser(deps ServerDeps, conn net.Conn, tag string, username, password string, state *models.ClientState) {
	username = stripDomain(username)
	if username == "" || password == "" {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [AUTHENTICATIONFAILED] Invalid credentials", tag))
		return
	}

	ok, err := deps.Authenticate(username, password)
	if err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [SERVERFAILURE] Authentication backend error", tag))
		return
	}
	deps.Metrics().AuthAttempt("imap", ok)
	if !ok {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [AUTHENTICATIONFAILED] Authentication failed", tag))
		return
	}

	completeLogin(deps, conn, tag, username, state)
}

func completeLogin(deps ServerDeps, conn net.Conn, tag string, username string, state *models.ClientState) {
	if err := deps.EnsureUser(username); err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [SERVERFAILURE] Cannot prepare mailbox storage", tag))
		return
	}

	state.Authenticated = true
	state.Username = username

	deps.SendResponse(conn, fmt.Sprintf("%s OK [CAPABILITY %s] Authenticated", tag, Capabilities(state.TLSActive)))
}

// stripDomain reduces user@domain to the local part. Mailbox storage
// and the auth oracle both work on bare usernames.
func stripDomain(username string) string {
	if i := strings.Index(username, "@"); i != -1 {
		return username[:i]
	}
	return username
}
