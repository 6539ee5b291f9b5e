package middleware

import (
	"fmt"
	"net"

	"petrel/internal/models"
)

// ServerInterface defines methods needed from IMAPServer for middleware
type ServerInterface interface {
	SendResponse(conn net.Conn, response string)
}

// HandlerFunc is the standard handler function signature
type HandlerFunc func(conn net.Conn, tag string, parts []string, state *models.ClientState)

// RequireAuth ensures the client is authenticated before proceeding
func RequireAuth(server ServerInterface, handler HandlerFunc) HandlerFunc {
	return func(conn net.Conn, tag string, parts []string, state *models.ClientState) {
		if !state.Authenticated {
			server.SendResponse(conn, fmt.Sprintf("%s NO [CLIENTBUG] Please authenticate first", tag))
			return
		}
		handler(conn, tag, parts, state)
	}
}

// RequireMailboxSelected ensures a mailbox is selected before proceeding
func RequireMailboxSelected(server ServerInterface, handler HandlerFunc) HandlerFunc {
	return func(conn net.Conn, tag string, parts []string, state *models.ClientState) {
		if !state.Selected() {
			server.SendResponse(conn, fmt.Sprintf("%s NO [CLIENTBUG] No folder selected", tag))
			return
		}
		handler(conn, tag, parts, state)
	}
}

// RequireAuthAndMailbox combines authentication and mailbox selection checks
func RequireAuthAndMailbox(server ServerInterface, handler HandlerFunc) HandlerFunc {
	return RequireAuth(server, RequireMailboxSelected(server, handler))
}

// ValidateMinArgs ensures the command has the minimum required number of arguments
func ValidateMinArgs(server ServerInterface, minArgs int, errorMsg string, handler HandlerFunc) HandlerFunc {
	return func(conn net.Conn, tag string, parts []string, state *models.ClientState) {
		if len(parts) < minArgs {
			server.SendResponse(conn, fmt.Sprintf("%s BAD %s", tag, errorMsg))
			return
		}
		handler(conn, tag, parts, state)
	}
}
