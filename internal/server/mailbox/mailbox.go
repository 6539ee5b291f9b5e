package mailbox

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"petrel/internal/metrics"
	"petrel/internal/models"
	"petrel/internal/server/utils"
	"petrel/internal/storage"
)

// ServerDeps defines the dependencies that mailbox handlers need from the server
type ServerDeps interface {
	SendResponse(conn net.Conn, response string)
	Store() *storage.Store
	Metrics() metrics.Collector
}

// ===== LIST =====

func HandleList(deps ServerDeps, conn net.Conn, tag string, parts []string, state *models.ClientState) {
	if len(parts) < 4 {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD LIST command requires reference and mailbox arguments", tag))
		return
	}

	reference := utils.ParseQuotedString(parts[2])
	pattern := utils.ParseQuotedString(parts[3])

	// RFC 3501: an empty pattern asks for the hierarchy delimiter and
	// the root of the reference
	if pattern == "" {
		deps.SendResponse(conn, `* LIST (\Noselect) "/" ""`)
		deps.SendResponse(conn, fmt.Sprintf("%s OK LIST completed", tag))
		return
	}

	if strings.Contains(reference, "..") || strings.Contains(pattern, "..") {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [NONEXISTENT] Invalid mailbox name", tag))
		return
	}

	folders, err := deps.Store().Folders(state.Username)
	if err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [SERVERFAILURE] LIST failure: can't list mailboxes", tag))
		return
	}

	matches := utils.FilterMailboxes(folders, reference, pattern)
	for _, name := range matches {
		attrs, err := deps.Store().FolderAttributes(state.Username, name)
		if err != nil {
			continue
		}
		deps.SendResponse(conn, fmt.Sprintf("* LIST (%s) \"/\" \"%s\"", strings.Join(attrs, " "), name))
	}

	deps.Metrics().CommandProcessed("LIST")
	deps.SendResponse(conn, fmt.Sprintf("%s OK LIST completed", tag))
}

// ===== LSUB =====

// HandleLsub treats every existing folder as subscribed, so LSUB is
// LIST with a different response name.
func HandleLsub(deps ServerDeps, conn net.Conn, tag string, parts []string, state *models.ClientState) {
	if len(parts) < 4 {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD LSUB command requires reference and mailbox arguments", tag))
		return
	}

	reference := utils.ParseQuotedString(parts[2])
	pattern := utils.ParseQuotedString(parts[3])

	if pattern == "" {
		deps.SendResponse(conn, `* LSUB (\Noselect) "/" ""`)
		deps.SendResponse(conn, fmt.Sprintf("%s OK LSUB completed", tag))
		return
	}

	folders, err := deps.Store().Folders(state.Username)
	if err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [SERVERFAILURE] LSUB failure: can't list mailboxes", tag))
		return
	}

	matches := utils.FilterMailboxes(folders, reference, pattern)
	for _, name := range matches {
		deps.SendResponse(conn, fmt.Sprintf("* LSUB () \"/\" \"%s\"", name))
	}

	deps.Metrics().CommandProcessed("LSUB")
	deps.SendResponse(conn, fmt.Sprintf("%s OK LSUB completed", tag))
}

// ===== CREATE =====

func HandleCreate(deps ServerDeps, conn net.Conn, tag string, parts []string, state *models.ClientState) {
	if len(parts) < 3 {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD CREATE requires mailbox name", tag))
		return
	}

	name := utils.ParseQuotedString(parts[2])
	if strings.EqualFold(name, "INBOX") {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [ALREADYEXISTS] INBOX always exists", tag))
		return
	}
	if !storage.ValidFolderName(name) {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD Invalid mailbox name", tag))
		return
	}

	err := deps.Store().CreateFolder(state.Username, name)
	if errors.Is(err, storage.ErrFolderExists) {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [ALREADYEXISTS] Mailbox already exists", tag))
		return
	}
	if err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [SERVERFAILURE] CREATE failed", tag))
		return
	}

	deps.Metrics().CommandProcessed("CREATE")
	deps.SendResponse(conn, fmt.Sprintf("%s OK CREATE completed", tag))
}

// ===== STATUS =====

func HandleStatus(deps ServerDeps, conn net.Conn, tag string, parts []string, state *models.ClientState) {
	if len(parts) < 4 {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD STATUS requires mailbox name and status items", tag))
		return
	}

	name := utils.ParseQuotedString(parts[2])
	if strings.EqualFold(name, "INBOX") {
		name = "INBOX"
	}

	mbox, err := deps.Store().Mailbox(state.Username, name, false)
	if err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [NONEXISTENT] Mailbox does not exist", tag))
		return
	}

	itemsPart := strings.Join(parts[3:], " ")
	itemsPart = strings.TrimPrefix(itemsPart, "(")
	itemsPart = strings.TrimSuffix(itemsPart, ")")

	var results []string
	for _, item := range strings.Fields(itemsPart) {
		switch strings.ToUpper(item) {
		case "MESSAGES":
			count, err := mbox.MessageCount()
			if err != nil {
				continue
			}
			results = append(results, fmt.Sprintf("MESSAGES %d", count))
		case "RECENT":
			recent, err := mbox.RecentCount()
			if err != nil {
				continue
			}
			results = append(results, fmt.Sprintf("RECENT %d", recent))
		case "UIDNEXT":
			uidNext, err := mbox.UIDNext()
			if err != nil {
				continue
			}
			results = append(results, fmt.Sprintf("UIDNEXT %d", uidNext))
		case "UIDVALIDITY":
			uidValidity, err := mbox.UIDValidity()
			if err != nil {
				continue
			}
			results = append(results, fmt.Sprintf("UIDVALIDITY %d", uidValidity))
		case "UNSEEN":
			unseen, err := mbox.UnseenCount()
			if err != nil {
				continue
			}
			results = append(results, fmt.Sprintf("UNSEEN %d", unseen))
		default:
			deps.SendResponse(conn, fmt.Sprintf("%s BAD Unknown status item: %s", tag, item))
			return
		}
	}

	deps.SendResponse(conn, fmt.Sprintf("* STATUS \"%s\" (%s)", name, strings.Join(results, " ")))
	deps.Metrics().CommandProcessed("STATUS")
	deps.SendResponse(conn, fmt.Sprintf("%s OK STATUS completed", tag))
}
