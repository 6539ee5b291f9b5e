package message

import (
	"fmt"
	"net"
	"strings"

	"github.com/emersion/go-maildir"

	"petrel/internal/metrics"
	"petrel/internal/models"
	"petrel/internal/server/utils"
	"petrel/internal/storage"
)

// ServerDeps defines the dependencies that message handlers need from the server
type ServerDeps interface {
	SendResponse(conn net.Conn, response string)
	Store() *storage.Store
	Metrics() metrics.Collector
}

func selectedMailbox(deps ServerDeps, state *models.ClientState) (*storage.Mailbox, error) {
	return deps.Store().Mailbox(state.Username, state.SelectedFolder, false)
}

// ===== STORE =====

func HandleStore(deps ServerDeps, conn net.Conn, tag string, parts []string, state *models.ClientState) {
	if len(parts) < 4 {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD STORE requires sequence set, data item, and value", tag))
		return
	}

	if state.ReadOnly {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [READ-ONLY] Mailbox is read-only", tag))
		return
	}

	sequenceSet := parts[2]
	dataItem := strings.ToUpper(parts[3])

	silent := strings.HasSuffix(dataItem, ".SILENT")
	if silent {
		dataItem = strings.TrimSuffix(dataItem, ".SILENT")
	}

	if dataItem != "FLAGS" && dataItem != "+FLAGS" && dataItem != "-FLAGS" {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD Invalid data item: %s", tag, parts[3]))
		return
	}

	if !utils.ValidSequenceSet(sequenceSet) {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD Invalid sequence set", tag))
		return
	}

	atoms := parseFlagAtoms(parts[4:])

	mbox, err := selectedMailbox(deps, state)
	if err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [SERVERFAILURE] Storage error", tag))
		return
	}

	infos, err := mbox.Messages()
	if err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [SERVERFAILURE] Storage error", tag))
		return
	}

	// a well-formed set that addresses no live message still completes OK
	for _, seqNum := range utils.ParseSequenceSet(sequenceSet, len(infos)) {
		info := infos[seqNum-1]

		updated := utils.CalculateNewFlags(info.Flags, atoms, dataItem)
		newInfo, err := mbox.SetFlags(info.Key, updated)
		if err != nil {
			continue
		}

		if !silent {
			flagList := utils.IMAPFlagList(newInfo.Flags, newInfo.Recent)
			deps.SendResponse(conn, fmt.Sprintf("* %d FETCH (FLAGS %s)", seqNum, flagList))
		}
	}

	deps.Metrics().CommandProcessed("STORE")
	deps.SendResponse(conn, fmt.Sprintf("%s OK STORE completed", tag))
}

// StoreForUIDs applies a STORE data item to messages addressed by UID.
// Untagged FETCH responses carry both the sequence number and the UID.
func StoreForUIDs(deps ServerDeps, conn net.Conn, tag string, uids []uint32, dataItem string, valueParts []string, state *models.ClientState) {
	dataItem = strings.ToUpper(dataItem)
	silent := strings.HasSuffix(dataItem, ".SILENT")
	if silent {
		dataItem = strings.TrimSuffix(dataItem, ".SILENT")
	}

	if dataItem != "FLAGS" && dataItem != "+FLAGS" && dataItem != "-FLAGS" {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD Invalid data item", tag))
		return
	}

	if state.ReadOnly {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [READ-ONLY] Mailbox is read-only", tag))
		return
	}

	atoms := parseFlagAtoms(valueParts)

	mbox, err := selectedMailbox(deps, state)
	if err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [SERVERFAILURE] Storage error", tag))
		return
	}

	infos, err := mbox.Messages()
	if err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [SERVERFAILURE] Storage error", tag))
		return
	}

	for seqIdx, info := range infos {
		if !containsUID(uids, info.UID) {
			continue
		}

		updated := utils.CalculateNewFlags(info.Flags, atoms, dataItem)
		newInfo, err := mbox.SetFlags(info.Key, updated)
		if err != nil {
			continue
		}

		if !silent {
			flagList := utils.IMAPFlagList(newInfo.Flags, newInfo.Recent)
			deps.SendResponse(conn, fmt.Sprintf("* %d FETCH (FLAGS %s UID %d)", seqIdx+1, flagList, info.UID))
		}
	}

	deps.Metrics().CommandProcessed("STORE")
	deps.SendResponse(conn, fmt.Sprintf("%s OK STORE completed", tag))
}

// parseFlagAtoms strips the optional parentheses around the STORE value
// and splits it into flag atoms.
func parseFlagAtoms(parts []string) []string {
	joined := strings.Join(parts, " ")
	joined = strings.TrimPrefix(joined, "(")
	joined = strings.TrimSuffix(joined, ")")
	return strings.Fields(joined)
}

func containsUID(uids []uint32, uid uint32) bool {
	for _, u := range uids {
		if u == uid {
			return true
		}
	}
	return false
}

// ===== SEARCH =====

func HandleSearch(deps ServerDeps, conn net.Conn, tag string, parts []string, state *models.ClientState) {
	if len(parts) < 3 {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD SEARCH requires search criteria", tag))
		return
	}

	mbox, err := selectedMailbox(deps, state)
	if err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [SERVERFAILURE] Storage error", tag))
		return
	}

	infos, err := mbox.Messages()
	if err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [SERVERFAILURE] Storage error", tag))
		return
	}

	matches, ok := evaluateSearch(infos, parts[2:], false)
	if !ok {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD Unsupported search criteria", tag))
		return
	}

	sendSearchResults(deps, conn, matches)
	deps.Metrics().CommandProcessed("SEARCH")
	deps.SendResponse(conn, fmt.Sprintf("%s OK SEARCH completed", tag))
}

// SearchForUIDs evaluates SEARCH criteria and reports UIDs instead of
// sequence numbers (used by UID SEARCH).
func SearchForUIDs(deps ServerDeps, conn net.Conn, tag string, criteria []string, state *models.ClientState) {
	mbox, err := selectedMailbox(deps, state)
	if err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [SERVERFAILURE] Storage error", tag))
		return
	}

	infos, err := mbox.Messages()
	if err != nil {
		deps.SendResponse(conn, fmt.Sprintf("%s NO [SERVERFAILURE] Storage error", tag))
		return
	}

	matches, ok := evaluateSearch(infos, criteria, true)
	if !ok {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD Unsupported search criteria", tag))
		return
	}

	sendSearchResults(deps, conn, matches)
	deps.Metrics().CommandProcessed("SEARCH")
	deps.SendResponse(conn, fmt.Sprintf("%s OK SEARCH completed", tag))
}

// evaluateSearch applies the supported search keys with AND logic. The
// returned numbers are sequence numbers, or UIDs when byUID is set. A
// false second return means a criterion is not supported.
func evaluateSearch(infos []storage.Info, criteria []string, byUID bool) ([]uint32, bool) {
	type predicate func(seq int, info storage.Info) bool
	var predicates []predicate

	i := 0
	for i < len(criteria) {
		switch strings.ToUpper(criteria[i]) {
		case "ALL":
			i++

		case "SEEN":
			predicates = append(predicates, func(_ int, info storage.Info) bool {
				return hasSeenFlag(info)
			})
			i++

		case "UNSEEN":
			predicates = append(predicates, func(_ int, info storage.Info) bool {
				return !hasSeenFlag(info)
			})
			i++

		case "UID":
			if i+1 >= len(criteria) {
				return nil, false
			}
			existing := make([]uint32, len(infos))
			for j, info := range infos {
				existing[j] = info.UID
			}
			wanted := utils.ParseUIDSet(criteria[i+1], existing)
			predicates = append(predicates, func(_ int, info storage.Info) bool {
				return containsUID(wanted, info.UID)
			})
			i += 2

		default:
			return nil, false
		}
	}

	var matches []uint32
	for idx, info := range infos {
		seq := idx + 1
		matched := true
		for _, p := range predicates {
			if !p(seq, info) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		if byUID {
			matches = append(matches, info.UID)
		} else {
			matches = append(matches, uint32(seq))
		}
	}
	return matches, true
}

func sendSearchResults(deps ServerDeps, conn net.Conn, matches []uint32) {
	if len(matches) == 0 {
		deps.SendResponse(conn, "* SEARCH")
		return
	}
	var b strings.Builder
	b.WriteString("* SEARCH")
	for _, n := range matches {
		fmt.Fprintf(&b, " %d", n)
	}
	deps.SendResponse(conn, b.String())
}

func hasSeenFlag(info storage.Info) bool {
	for _, f := range info.Flags {
		if f == maildir.FlagSeen {
			return true
		}
	}
	return false
}
