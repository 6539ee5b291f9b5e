package uid

import (
	"fmt"
	"net"
	"strings"

	"petrel/internal/models"
	"petrel/internal/server/message"
	"petrel/internal/server/utils"
)

// ServerDeps matches what the message handlers need; the UID dispatcher
// forwards to them after resolving the UID set.
type ServerDeps = message.ServerDeps

// ===== UID (Main Dispatcher) =====

// HandleUID implements the UID command (RFC 3501 Section 6.4.8).
// Supported sub-commands: FETCH, SEARCH, STORE.
func HandleUID(deps ServerDeps, conn net.Conn, tag string, parts []string, state *models.ClientState) {
	if len(parts) < 3 {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD UID requires sub-command", tag))
		return
	}

	switch strings.ToUpper(parts[2]) {
	case "FETCH":
		handleUIDFetch(deps, conn, tag, parts, state)
	case "SEARCH":
		handleUIDSearch(deps, conn, tag, parts, state)
	case "STORE":
		handleUIDStore(deps, conn, tag, parts, state)
	default:
		deps.SendResponse(conn, fmt.Sprintf("%s BAD Unknown UID command: %s", tag, parts[2]))
	}
}

// liveUIDs resolves a UID set against the current mailbox contents.
// UIDs that no longer exist simply drop out of the set.
func liveUIDs(deps ServerDeps, state *models.ClientState, set string) ([]uint32, error) {
	mbox, err := deps.Store().Mailbox(state.Username, state.SelectedFolder, false)
	if err != nil {
		return nil, err
	}
	infos, err := mbox.Messages()
	if err != nil {
		return nil, err
	}
	existing := make([]uint32, len(infos))
	for i, info := range infos {
		existing[i] = info.UID
	}
	return utils.ParseUIDSet(set, existing), nil
}

// ===== UID FETCH =====

func handleUIDFetch(deps ServerDeps, conn net.Conn, tag string, parts []string, state *models.ClientState) {
	if len(parts) < 5 {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD UID FETCH requires UID sequence and items", tag))
		return
	}

	uids, err := liveUIDs(deps, state, parts[3])
	if err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [SERVERFAILURE] Storage error", tag))
		return
	}

	items := strings.Join(parts[4:], " ")
	message.FetchForUIDs(deps, conn, tag, uids, items, state)
}

// ===== UID SEARCH =====

func handleUIDSearch(deps ServerDeps, conn net.Conn, tag string, parts []string, state *models.ClientState) {
	if len(parts) < 4 {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD UID SEARCH requires search criteria", tag))
		return
	}

	message.SearchForUIDs(deps, conn, tag, parts[3:], state)
}

// ===== UID STORE =====

func handleUIDStore(deps ServerDeps, conn net.Conn, tag string, parts []string, state *models.ClientState) {
	if len(parts) < 6 {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD UID STORE requires UID sequence, data item, and value", tag))
		return
	}

	uids, err := liveUIDs(deps, state, parts[3])
	if err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [SERVERFAILURE] Storage error", tag))
		return
	}

	message.StoreForUIDs(deps, conn, tag, uids, parts[4], parts[5:], state)
}
