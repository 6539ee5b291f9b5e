package extension

import (
	"fmt"
	"net"
	"strings"
	"time"

	"petrel/internal/metrics"
	"petrel/internal/models"
	"petrel/internal/storage"
)

// ServerDeps defines the dependencies that extension handlers need from the server
type ServerDeps interface {
	SendResponse(conn net.Conn, response string)
	Store() *storage.Store
	Metrics() metrics.Collector
}

// idlePollInterval is how often IDLE re-reads the mailbox while waiting
// for DONE.
const idlePollInterval = 500 * time.Millisecond

// ===== NOOP =====

// HandleNoop reports mailbox changes since the last poll. With no
// mailbox selected it is a plain no-op.
func HandleNoop(deps ServerDeps, conn net.Conn, tag string, state *models.ClientState) {
	if state.Authenticated && state.Selected() {
		pollMailbox(deps, conn, state)
	}

	deps.Metrics().CommandProcessed("NOOP")
	deps.SendResponse(conn, fmt.Sprintf("%s OK NOOP completed", tag))
}

// pollMailbox diffs the current message and recent counts against the
// last values reported to this client and emits the matching untagged
// responses.
func pollMailbox(deps ServerDeps, conn net.Conn, state *models.ClientState) {
	mbox, err := deps.Store().Mailbox(state.Username, state.SelectedFolder, false)
	if err != nil {
		return
	}

	count, err := mbox.MessageCount()
	if err != nil {
		return
	}
	recent, err := mbox.RecentCount()
	if err != nil {
		return
	}

	if count > state.LastMessageCount {
		deps.SendResponse(conn, fmt.Sprintf("* %d EXISTS", count))
		deps.SendResponse(conn, fmt.Sprintf("* %d RECENT", recent))
	}

	if count < state.LastMessageCount {
		// without per-message tracking the highest sequence numbers are
		// reported as gone
		for i := state.LastMessageCount; i > count; i-- {
			deps.SendResponse(conn, fmt.Sprintf("* %d EXPUNGE", i))
		}
	}

	if count == state.LastMessageCount && recent != state.LastRecentCount {
		deps.SendResponse(conn, fmt.Sprintf("* %d RECENT", recent))
	}

	state.LastMessageCount = count
	state.LastRecentCount = recent
}

// ===== IDLE =====

// HandleIdle runs the NOOP poll in a loop until the client sends DONE
// (RFC 2177). The session reader stays untouched; DONE is read straight
// from the connection with short deadlines between polls.
func HandleIdle(deps ServerDeps, conn net.Conn, tag string, state *models.ClientState) {
	deps.SendResponse(conn, "+ idling")

	buf := make([]byte, 64)
	for {
		pollMailbox(deps, conn, state)

		_ = conn.SetReadDeadline(time.Now().Add(idlePollInterval))
		n, err := conn.Read(buf)
		if err == nil && strings.EqualFold(strings.TrimSpace(string(buf[:n])), "DONE") {
			_ = conn.SetReadDeadline(time.Time{})
			deps.Metrics().CommandProcessed("IDLE")
			deps.SendResponse(conn, fmt.Sprintf("%s OK IDLE terminated", tag))
			return
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// connection is gone, the session loop will notice too
			_ = conn.SetReadDeadline(time.Time{})
			return
		}
	}
}

// ===== NAMESPACE =====

// HandleNamespace reports the single personal namespace (RFC 2342).
func HandleNamespace(deps ServerDeps, conn net.Conn, tag string, state *models.ClientState) {
	deps.SendResponse(conn, `* NAMESPACE (("" "/")) NIL NIL`)
	deps.Metrics().CommandProcessed("NAMESPACE")
	deps.SendResponse(conn, fmt.Sprintf("%s OK NAMESPACE completed", tag))
}
