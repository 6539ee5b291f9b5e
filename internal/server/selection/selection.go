package selection

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/sync/errgroup"

	"petrel/internal/metrics"
	"petrel/internal/models"
	"petrel/internal/storage"
)

// ServerDeps defines the dependencies that selection handlers need from the server
type ServerDeps interface {
	SendResponse(conn net.Conn, response string)
	Store() *storage.Store
	Metrics() metrics.Collector
}

const flagsLine = `* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`

// ===== SELECT / EXAMINE =====

func HandleSelect(deps ServerDeps, conn net.Conn, tag string, parts []string, state *models.ClientState) {
	cmd := strings.ToUpper(parts[1])

	if len(parts) < 3 {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD %s requires folder name", tag, cmd))
		return
	}

	// RFC 3501: INBOX is case-insensitive
	folder := strings.Trim(parts[2], "\"")
	if strings.EqualFold(folder, "INBOX") {
		folder = "INBOX"
	}

	mbox, err := deps.Store().Mailbox(state.Username, folder, false)
	if err != nil {
		// a failed SELECT leaves the session with no mailbox selected
		state.Deselect()
		deps.SendResponse(conn, fmt.Sprintf("%s NO [NONEXISTENT] Mailbox does not exist", tag))
		return
	}

	var (
		count, recent, unseen int
		uidValidity           uint64
		uidNext               uint32
	)

	var g errgroup.Group
	g.Go(func() error {
		var err error
		count, err = mbox.MessageCount()
		return err
	})
	g.Go(func() error {
		var err error
		recent, err = mbox.RecentCount()
		return err
	})
	g.Go(func() error {
		var err error
		unseen, err = mbox.FirstUnseenSeq()
		return err
	})
	g.Go(func() error {
		var err error
		uidValidity, err = mbox.UIDValidity()
		return err
	})
	g.Go(func() error {
		var err error
		uidNext, err = mbox.UIDNext()
		return err
	})
	if err := g.Wait(); err != nil {
		state.Deselect()
		deps.SendResponse(conn, fmt.Sprintf("%s NO [SERVERFAILURE] Cannot read mailbox state", tag))
		return
	}

	isExamine := cmd == "EXAMINE"
	state.SelectedFolder = folder
	state.ReadOnly = isExamine
	state.LastMessageCount = count
	state.LastRecentCount = recent
	state.UIDValidity = uidValidity
	state.UIDNext = uidNext

	deps.SendResponse(conn, fmt.Sprintf("* %d EXISTS", count))
	deps.SendResponse(conn, fmt.Sprintf("* %d RECENT", recent))
	if unseen > 0 {
		deps.SendResponse(conn, fmt.Sprintf("* OK [UNSEEN %d] Message %d is first unseen", unseen, unseen))
	}
	deps.SendResponse(conn, flagsLine)
	if isExamine {
		deps.SendResponse(conn, "* OK [PERMANENTFLAGS ()] No permanent flags permitted")
	} else {
		deps.SendResponse(conn, `* OK [PERMANENTFLAGS (\Answered \Flagged \Deleted \Seen \Draft \*)] Flags permitted`)
	}
	deps.SendResponse(conn, fmt.Sprintf("* OK [UIDVALIDITY %d] UIDs valid", uidValidity))
	deps.SendResponse(conn, fmt.Sprintf("* OK [UIDNEXT %d] Predicted next UID", uidNext))

	deps.Metrics().CommandProcessed(cmd)
	if isExamine {
		deps.SendResponse(conn, fmt.Sprintf("%s OK [READ-ONLY] EXAMINE completed", tag))
	} else {
		deps.SendResponse(conn, fmt.Sprintf("%s OK [READ-WRITE] SELECT completed", tag))
	}
}

// ===== CLOSE =====

// HandleClose deselects the mailbox. Messages flagged \Deleted are
// removed without untagged EXPUNGE responses, unless the mailbox was
// selected read-only.
func HandleClose(deps ServerDeps, conn net.Conn, tag string, state *models.ClientState) {
	if !state.ReadOnly {
		mbox, err := deps.Store().Mailbox(state.Username, state.SelectedFolder, false)
		if err == nil {
			_, _ = mbox.Expunge()
		}
	}

	state.Deselect()
	deps.Metrics().CommandProcessed("CLOSE")
	deps.SendResponse(conn, fmt.Sprintf("%s OK CLOSE completed", tag))
}

// ===== UNSELECT =====

// HandleUnselect is CLOSE with the expunge step left out (RFC 3691).
func HandleUnselect(deps ServerDeps, conn net.Conn, tag string, state *models.ClientState) {
	state.Deselect()
	deps.Metrics().CommandProcessed("UNSELECT")
	deps.SendResponse(conn, fmt.Sprintf("%s OK UNSELECT completed", tag))
}

// ===== EXPUNGE =====

func HandleExpunge(deps ServerDeps, conn net.Conn, tag string, state *models.ClientState) {
	if state.ReadOnly {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [READ-ONLY] Mailbox is read-only", tag))
		return
	}

	mbox, err := deps.Store().Mailbox(state.Username, state.SelectedFolder, false)
	if err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [SERVERFAILURE] Storage error", tag))
		return
	}

	// removed sequence numbers come back highest first, so each one is
	// still valid by the time the client applies it
	removed, err := mbox.Expunge()
	if err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [SERVERFAILURE] EXPUNGE failed", tag))
		return
	}

	for _, seqNum := range removed {
		deps.SendResponse(conn, fmt.Sprintf("* %d EXPUNGE", seqNum))
	}

	state.LastMessageCount -= len(removed)
	if state.LastMessageCount < 0 {
		state.LastMessageCount = 0
	}

	deps.Metrics().CommandProcessed("EXPUNGE")
	deps.SendResponse(conn, fmt.Sprintf("%s OK EXPUNGE completed", tag))
}

// ===== CHECK =====

// CHECK is a checkpoint request. The registry is reconciled on every
// access anyway, so this just refreshes the cached counters.
func HandleCheck(deps ServerDeps, conn net.Conn, tag string, state *models.ClientState) {
	mbox, err := deps.Store().Mailbox(state.Username, state.SelectedFolder, false)
	if err == nil {
		if count, err := mbox.MessageCount(); err == nil {
			state.LastMessageCount = count
		}
		if recent, err := mbox.RecentCount(); err == nil {
			state.LastRecentCount = recent
		}
	}

	deps.Metrics().CommandProcessed("CHECK")
	deps.SendResponse(conn, fmt.Sprintf("%s OK CHECK completed", tag))
}
