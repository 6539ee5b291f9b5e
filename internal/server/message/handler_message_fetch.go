package message

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	gomessage "github.com/emersion/go-message"

	"petrel/internal/models"
	"petrel/internal/server/response"
	"petrel/internal/server/utils"
	"petrel/internal/storage"
)

// ===== FETCH =====

const internalDateLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

func HandleFetch(deps ServerDeps, conn net.Conn, tag string, parts []string, state *models.ClientState) {
	if len(parts) < 4 {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD FETCH requires sequence and items", tag))
		return
	}

	sequence := parts[2]
	items := ExpandFetchItems(strings.Join(parts[3:], " "))

	if !utils.ValidSequenceSet(sequence) {
		deps.SendResponse(conn, fmt.Sprintf("%s BAD Invalid sequence set", tag))
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

	// a well-formed set that addresses no live message still completes OK
	for _, seqNum := range utils.ParseSequenceSet(sequence, len(infos)) {
		fetchOne(deps, conn, mbox, infos[seqNum-1], seqNum, items, false, state.ReadOnly)
	}

	deps.Metrics().CommandProcessed("FETCH")
	deps.SendResponse(conn, fmt.Sprintf("%s OK FETCH completed", tag))
}

// FetchForUIDs handles FETCH for a list of UIDs (used by UID FETCH). The
// response of every message carries a UID item even when the client did
// not ask for one.
func FetchForUIDs(deps ServerDeps, conn net.Conn, tag string, uids []uint32, rawItems string, state *models.ClientState) {
	items := ExpandFetchItems(rawItems)

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
		fetchOne(deps, conn, mbox, info, seqIdx+1, items, true, state.ReadOnly)
	}

	deps.Metrics().CommandProcessed("FETCH")
	deps.SendResponse(conn, fmt.Sprintf("%s OK FETCH completed", tag))
}

// ExpandFetchItems resolves the ALL, FAST and FULL macros and splits the
// item list into individual items.
func ExpandFetchItems(items string) []string {
	switch strings.ToUpper(strings.TrimSpace(items)) {
	case "ALL":
		items = "FLAGS INTERNALDATE RFC822.SIZE ENVELOPE"
	case "FAST":
		items = "FLAGS INTERNALDATE RFC822.SIZE"
	case "FULL":
		items = "FLAGS INTERNALDATE RFC822.SIZE ENVELOPE BODY"
	default:
		items = strings.TrimSpace(items)
		if strings.HasPrefix(items, "(") && strings.HasSuffix(items, ")") {
			items = items[1 : len(items)-1]
		}
	}
	return splitFetchItems(items)
}

// splitFetchItems tokenizes a FETCH item list. Spaces inside brackets,
// parentheses, angle brackets or quotes do not split, so items like
// BODY[HEADER.FIELDS (FROM TO)]<0.100> stay whole.
func splitFetchItems(items string) []string {
	var out []string
	var current strings.Builder
	brackets, parens, angles := 0, 0, 0
	inQuotes := false

	for i := 0; i < len(items); i++ {
		ch := items[i]
		switch ch {
		case '"':
			inQuotes = !inQuotes
			current.WriteByte(ch)
		case '[':
			if !inQuotes {
				brackets++
			}
			current.WriteByte(ch)
		case ']':
			if !inQuotes {
				brackets--
			}
			current.WriteByte(ch)
		case '(':
			if !inQuotes {
				parens++
			}
			current.WriteByte(ch)
		case ')':
			if !inQuotes {
				parens--
			}
			current.WriteByte(ch)
		case '<':
			if !inQuotes {
				angles++
			}
			current.WriteByte(ch)
		case '>':
			if !inQuotes {
				angles--
			}
			current.WriteByte(ch)
		case ' ', '\t':
			if inQuotes || brackets > 0 || parens > 0 || angles > 0 {
				current.WriteByte(ch)
			} else if current.Len() > 0 {
				out = append(out, current.String())
				current.Reset()
			}
		default:
			current.WriteByte(ch)
		}
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}

// itemsRequireSeen reports whether fetching these items implicitly sets
// the \Seen flag: any non-PEEK BODY section, RFC822 or RFC822.TEXT.
func itemsRequireSeen(items []string) bool {
	for _, item := range items {
		upper := strings.ToUpper(item)
		if strings.HasPrefix(upper, "BODY[") {
			return true
		}
		if upper == "RFC822" || upper == "RFC822.TEXT" {
			return true
		}
	}
	return false
}

func fetchOne(deps ServerDeps, conn net.Conn, mbox *storage.Mailbox, info storage.Info, seqNum int, items []string, forceUID, readOnly bool) {
	markSeen := itemsRequireSeen(items) && !readOnly

	msg, err := mbox.LoadByKey(info.Key, markSeen)
	if err != nil {
		// message vanished between listing and load
		return
	}

	var respItems []response.Item
	haveUID := false
	for _, item := range items {
		if strings.ToUpper(item) == "UID" {
			haveUID = true
		}
		if ri, ok := buildFetchItem(msg, item); ok {
			respItems = append(respItems, ri)
		}
	}
	if forceUID && !haveUID {
		respItems = append(respItems, response.Item{Name: "UID", Value: response.Number(msg.UID)})
	}
	if len(respItems) == 0 {
		return
	}

	deps.Metrics().MessageFetched(int64(len(msg.Raw)))
	deps.SendResponse(conn, fmt.Sprintf("* %d FETCH (%s)", seqNum, response.FormatItems(respItems)))
}

// buildFetchItem produces the response item for one requested data item.
// Unsupported items are skipped rather than failing the whole FETCH.
func buildFetchItem(msg *storage.Message, item string) (response.Item, bool) {
	upper := strings.ToUpper(item)

	switch upper {
	case "UID":
		return response.Item{Name: "UID", Value: response.Number(msg.UID)}, true

	case "FLAGS":
		return response.Item{Name: "FLAGS", Value: response.Atom(utils.IMAPFlagList(msg.Flags, msg.Recent))}, true

	case "INTERNALDATE":
		formatted := msg.InternalDate.UTC().Format(internalDateLayout)
		return response.Item{Name: "INTERNALDATE", Value: response.Quoted(formatted)}, true

	case "RFC822.SIZE":
		return response.Item{Name: "RFC822.SIZE", Value: response.Number(len(msg.Raw))}, true

	case "RFC822":
		return response.Item{Name: "RFC822", Value: response.Literal(msg.Raw)}, true

	case "RFC822.HEADER":
		header, _ := splitHeaderBody(msg.Raw)
		return response.Item{Name: "RFC822.HEADER", Value: response.Literal(header)}, true

	case "RFC822.TEXT":
		_, body := splitHeaderBody(msg.Raw)
		return response.Item{Name: "RFC822.TEXT", Value: response.Literal(body)}, true

	case "ENVELOPE":
		ent, err := gomessage.Read(bytes.NewReader(msg.Raw))
		if err != nil && !gomessage.IsUnknownCharset(err) {
			return response.Item{}, false
		}
		return response.Item{Name: "ENVELOPE", Value: response.Envelope(ent.Header)}, true

	case "BODYSTRUCTURE":
		return response.Item{Name: "BODYSTRUCTURE", Value: response.BodyStructure(msg.Raw, true)}, true

	case "BODY":
		return response.Item{Name: "BODY", Value: response.BodyStructure(msg.Raw, false)}, true
	}

	if strings.HasPrefix(upper, "BODY[") || strings.HasPrefix(upper, "BODY.PEEK[") {
		return buildBodySection(msg, item)
	}

	return response.Item{}, false
}

// buildBodySection handles BODY[section]<partial> and its PEEK variant.
// The response item is always named BODY[section], with the partial
// origin appended when a partial was requested.
func buildBodySection(msg *storage.Message, item string) (response.Item, bool) {
	open := strings.Index(item, "[")
	closing := strings.LastIndex(item, "]")
	if open == -1 || closing == -1 || closing < open {
		return response.Item{}, false
	}

	section := item[open+1 : closing]
	data, ok := sectionBytes(msg.Raw, section)
	if !ok {
		return response.Item{}, false
	}

	name := "BODY[" + section + "]"

	rest := item[closing+1:]
	if strings.HasPrefix(rest, "<") && strings.HasSuffix(rest, ">") {
		start, length, ok := parsePartial(rest[1 : len(rest)-1])
		if !ok {
			return response.Item{}, false
		}
		if start >= len(data) {
			data = nil
		} else {
			data = data[start:]
			if length >= 0 && length < len(data) {
				data = data[:length]
			}
		}
		name = fmt.Sprintf("BODY[%s]<%d>", section, start)
	}

	return response.Item{Name: name, Value: response.Literal(data)}, true
}

func parsePartial(spec string) (start, length int, ok bool) {
	dot := strings.Index(spec, ".")
	if dot == -1 {
		start, err := strconv.Atoi(spec)
		return start, -1, err == nil && start >= 0
	}
	start, err1 := strconv.Atoi(spec[:dot])
	length, err2 := strconv.Atoi(spec[dot+1:])
	if err1 != nil || err2 != nil || start < 0 || length < 0 {
		return 0, 0, false
	}
	return start, length, true
}

// sectionBytes resolves a BODY section name to message bytes.
func sectionBytes(raw []byte, section string) ([]byte, bool) {
	upper := strings.ToUpper(section)

	switch {
	case section == "":
		return raw, true

	case upper == "HEADER":
		header, _ := splitHeaderBody(raw)
		return header, true

	case upper == "TEXT":
		_, body := splitHeaderBody(raw)
		return body, true

	case strings.HasPrefix(upper, "HEADER.FIELDS.NOT"):
		names, ok := fieldList(section, len("HEADER.FIELDS.NOT"))
		if !ok {
			return nil, false
		}
		header, _ := splitHeaderBody(raw)
		return filterHeaderFields(header, names, true), true

	case strings.HasPrefix(upper, "HEADER.FIELDS"):
		names, ok := fieldList(section, len("HEADER.FIELDS"))
		if !ok {
			return nil, false
		}
		header, _ := splitHeaderBody(raw)
		return filterHeaderFields(header, names, false), true

	default:
		path, ok := parsePartPath(section)
		if !ok {
			return nil, false
		}
		return messagePart(raw, path)
	}
}

// fieldList extracts the parenthesized field names that follow a
// HEADER.FIELDS or HEADER.FIELDS.NOT prefix.
func fieldList(section string, prefixLen int) ([]string, bool) {
	rest := strings.TrimSpace(section[prefixLen:])
	if !strings.HasPrefix(rest, "(") || !strings.HasSuffix(rest, ")") {
		return nil, false
	}
	names := strings.Fields(rest[1 : len(rest)-1])
	for i, name := range names {
		names[i] = strings.Trim(name, `"`)
	}
	return names, len(names) > 0
}

// splitHeaderBody splits a raw message at the blank line. The header
// part keeps the terminating blank line, matching RFC822.HEADER.
func splitHeaderBody(raw []byte) (header, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i != -1 {
		return raw[:i+4], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i != -1 {
		return raw[:i+2], raw[i+2:]
	}
	return raw, nil
}

// filterHeaderFields keeps (or drops, with exclude set) the named header
// fields, preserving the original bytes of each line including casing
// and folded continuation lines.
func filterHeaderFields(header []byte, names []string, exclude bool) []byte {
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[strings.ToUpper(name)] = true
	}

	var out bytes.Buffer
	keeping := false

	for _, line := range bytes.Split(header, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			break
		}

		if line[0] == ' ' || line[0] == '\t' {
			// folded continuation of the previous field
			if keeping {
				out.Write(line)
				out.WriteString("\r\n")
			}
			continue
		}

		colon := bytes.IndexByte(line, ':')
		if colon == -1 {
			keeping = false
			continue
		}
		name := strings.ToUpper(strings.TrimSpace(string(line[:colon])))
		keeping = wanted[name] != exclude
		if keeping {
			out.Write(line)
			out.WriteString("\r\n")
		}
	}

	// no terminating blank line: when nothing matches the literal is empty
	return out.Bytes()
}

func parsePartPath(section string) ([]int, bool) {
	var path []int
	for _, part := range strings.Split(section, ".") {
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 {
			return nil, false
		}
		path = append(path, n)
	}
	return path, len(path) > 0
}

// messagePart walks a MIME part path like 2.1 and returns the decoded
// body of the addressed part. Part 1 of a non-multipart message is the
// message body itself.
func messagePart(raw []byte, path []int) ([]byte, bool) {
	ent, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, false
	}

	for _, want := range path {
		mr := ent.MultipartReader()
		if mr == nil {
			if want == 1 {
				continue
			}
			return nil, false
		}

		var found *gomessage.Entity
		for n := 1; ; n++ {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			if n == want {
				found = part
				break
			}
		}
		if found == nil {
			return nil, false
		}
		ent = found
	}

	body, err := io.ReadAll(ent.Body)
	if err != nil {
		return nil, false
	}
	return body, true
}
