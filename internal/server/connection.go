package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/go-kit/kit/log/level"

	"petrel/internal/models"
	"petrel/internal/server/auth"
	"petrel/internal/server/extension"
	"petrel/internal/server/mailbox"
	"petrel/internal/server/message"
	"petrel/internal/server/middleware"
	"petrel/internal/server/selection"
	"petrel/internal/server/uid"
	"petrel/internal/server/utils"
)

const (
	// Commands longer than this are rejected with BAD.
	maxLineBytes = 64 * 1024

	sessionTimeout = 30 * time.Minute
)

func handleClient(s *IMAPServer, conn net.Conn, state *models.ClientState) {
	// Buffered reader handles command lines and SASL continuation data
	reader := bufio.NewReaderSize(conn, 8192)

	s.sendResponse(conn, fmt.Sprintf("* OK [CAPABILITY %s] %s ready", auth.Capabilities(state.TLSActive), s.hostname))

	for {
		_ = conn.SetReadDeadline(time.Now().Add(sessionTimeout))

		line, tooLong, err := readLine(reader)
		if err != nil {
			if err != io.EOF {
				return
			}
			if line == "" {
				return
			}
		}

		if tooLong {
			tag := "*"
			if fields := strings.Fields(line); len(fields) > 0 {
				tag = fields[0]
			}
			s.sendResponse(conn, fmt.Sprintf("%s BAD Command line too long", tag))
			continue
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := utils.Tokenize(line)
		if len(parts) < 2 {
			s.sendResponse(conn, "* BAD Invalid command format")
			continue
		}

		tag := parts[0]
		cmd := strings.ToUpper(parts[1])
		level.Debug(s.logger).Log("msg", "command", "tag", tag, "cmd", cmd)

		switch cmd {
		case "CAPABILITY":
			auth.HandleCapability(s, conn, tag, state)
		case "NOOP":
			extension.HandleNoop(s, conn, tag, state)
		case "LOGIN":
			auth.HandleLogin(s, conn, tag, parts, state)
		case "AUTHENTICATE":
			auth.HandleAuthenticate(s, reader, conn, tag, parts, state)
		case "SELECT", "EXAMINE":
			s.authenticated(func(c net.Conn, tag string, parts []string, st *models.ClientState) {
				selection.HandleSelect(s, c, tag, parts, st)
			})(conn, tag, parts, state)
		case "LIST":
			s.authenticated(func(c net.Conn, tag string, parts []string, st *models.ClientState) {
				mailbox.HandleList(s, c, tag, parts, st)
			})(conn, tag, parts, state)
		case "LSUB":
			s.authenticated(func(c net.Conn, tag string, parts []string, st *models.ClientState) {
				mailbox.HandleLsub(s, c, tag, parts, st)
			})(conn, tag, parts, state)
		case "CREATE":
			s.authenticated(func(c net.Conn, tag string, parts []string, st *models.ClientState) {
				mailbox.HandleCreate(s, c, tag, parts, st)
			})(conn, tag, parts, state)
		case "STATUS":
			s.authenticated(func(c net.Conn, tag string, parts []string, st *models.ClientState) {
				mailbox.HandleStatus(s, c, tag, parts, st)
			})(conn, tag, parts, state)
		case "NAMESPACE":
			s.authenticated(func(c net.Conn, tag string, parts []string, st *models.ClientState) {
				extension.HandleNamespace(s, c, tag, st)
			})(conn, tag, parts, state)
		case "FETCH":
			s.selected(func(c net.Conn, tag string, parts []string, st *models.ClientState) {
				message.HandleFetch(s, c, tag, parts, st)
			})(conn, tag, parts, state)
		case "STORE":
			s.selected(func(c net.Conn, tag string, parts []string, st *models.ClientState) {
				message.HandleStore(s, c, tag, parts, st)
			})(conn, tag, parts, state)
		case "SEARCH":
			s.selected(func(c net.Conn, tag string, parts []string, st *models.ClientState) {
				message.HandleSearch(s, c, tag, parts, st)
			})(conn, tag, parts, state)
		case "UID":
			s.selected(func(c net.Conn, tag string, parts []string, st *models.ClientState) {
				uid.HandleUID(s, c, tag, parts, st)
			})(conn, tag, parts, state)
		case "CLOSE":
			s.selected(func(c net.Conn, tag string, parts []string, st *models.ClientState) {
				selection.HandleClose(s, c, tag, st)
			})(conn, tag, parts, state)
		case "UNSELECT":
			s.selected(func(c net.Conn, tag string, parts []string, st *models.ClientState) {
				selection.HandleUnselect(s, c, tag, st)
			})(conn, tag, parts, state)
		case "EXPUNGE":
			s.selected(func(c net.Conn, tag string, parts []string, st *models.ClientState) {
				selection.HandleExpunge(s, c, tag, st)
			})(conn, tag, parts, state)
		case "CHECK":
			s.selected(func(c net.Conn, tag string, parts []string, st *models.ClientState) {
				selection.HandleCheck(s, c, tag, st)
			})(conn, tag, parts, state)
		case "IDLE":
			s.selected(func(c net.Conn, tag string, parts []string, st *models.ClientState) {
				extension.HandleIdle(s, c, tag, st)
			})(conn, tag, parts, state)
		case "STARTTLS":
			newConn, ok := auth.HandleStartTLS(s, conn, tag, parts, state)
			if !ok {
				return
			}
			if newConn != conn {
				// session state survives the upgrade, buffered plaintext
				// does not
				conn = newConn
				reader = bufio.NewReaderSize(conn, 8192)
			}
		case "LOGOUT":
			auth.HandleLogout(s, conn, tag)
			return
		default:
			s.collector.CommandProcessed("UNKNOWN")
			s.sendResponse(conn, fmt.Sprintf("%s BAD Unknown command: %s", tag, cmd))
		}
	}
}

// readLine reads one command line, keeping at most maxLineBytes of it in
// memory. A longer line is drained up to the delimiter and reported as
// too long, so the session can answer BAD and keep going without ever
// buffering the whole line.
func readLine(reader *bufio.Reader) (string, bool, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := reader.ReadSlice('\n')
		if room := maxLineBytes - len(line); len(chunk) > room {
			tooLong = true
			chunk = chunk[:room]
		}
		line = append(line, chunk...)
		if err == bufio.ErrBufferFull {
			continue
		}
		return string(line), tooLong, err
	}
}

func (s *IMAPServer) authenticated(h middleware.HandlerFunc) middleware.HandlerFunc {
	return middleware.RequireAuth(s, h)
}

func (s *IMAPServer) selected(h middleware.HandlerFunc) middleware.HandlerFunc {
	return middleware.RequireAuthAndMailbox(s, h)
}
