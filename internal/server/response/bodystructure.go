package response

import (
	"bytes"
	"io"
	"sort"
	"strings"

	"github.com/emersion/go-message"
)

// BodyStructure builds the BODYSTRUCTURE of a raw message per RFC 3501
// Section 7.4.2. With extended set, the part structures carry the
// extension fields (md5, disposition, language, location for leaf
// parts; parameters, disposition, language, location for multiparts),
// which is the difference between BODYSTRUCTURE and non-extensible
// BODY. Unparseable messages degrade to an empty text/plain part.
func BodyStructure(raw []byte, extended bool) Data {
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return fallbackStructure(extended)
	}
	return entityStructure(ent, extended)
}

func entityStructure(e *message.Entity, extended bool) Data {
	mediaType, params, err := e.Header.ContentType()
	if err != nil {
		mediaType = "text/plain"
		params = map[string]string{"charset": "us-ascii"}
	}
	mainType, subType := splitMediaType(mediaType)

	if mr := e.MultipartReader(); mr != nil {
		return multipartStructure(e, mr, subType, params, extended)
	}

	body, readErr := io.ReadAll(e.Body)
	if readErr != nil {
		body = nil
	}

	encoding := strings.ToUpper(e.Header.Get("Content-Transfer-Encoding"))
	if encoding == "" {
		encoding = "7BIT"
	}

	st := List{
		Quoted(strings.ToUpper(mainType)),
		Quoted(strings.ToUpper(subType)),
		paramList(params),
		QuoteOrNIL(e.Header.Get("Content-Id")),
		QuoteOrNIL(e.Header.Get("Content-Description")),
		Quoted(encoding),
		Number(len(body)),
	}

	switch {
	case mainType == "message" && subType == "rfc822":
		// Embedded message parts additionally carry the envelope, the
		// body structure, and the line count of the enclosed message.
		embedded, embErr := message.Read(bytes.NewReader(body))
		if embErr == nil || message.IsUnknownCharset(embErr) {
			st = append(st, Envelope(embedded.Header), entityStructure(embedded, extended))
		} else {
			st = append(st, NIL, fallbackStructure(extended))
		}
		st = append(st, Number(countLines(body)))
	case mainType == "text":
		st = append(st, Number(countLines(body)))
	}

	if extended {
		st = append(st,
			NIL, // body MD5
			dispositionField(e.Header),
			QuoteOrNIL(e.Header.Get("Content-Language")),
			QuoteOrNIL(e.Header.Get("Content-Location")),
		)
	}
	return st
}

func multipartStructure(e *message.Entity, mr message.MultipartReader, subType string, params map[string]string, extended bool) Data {
	var st List
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			break
		}
		st = append(st, entityStructure(part, extended))
	}
	if len(st) == 0 {
		return fallbackStructure(extended)
	}

	st = append(st, Quoted(strings.ToUpper(subType)))
	if extended {
		st = append(st,
			paramList(params),
			dispositionField(e.Header),
			QuoteOrNIL(e.Header.Get("Content-Language")),
			QuoteOrNIL(e.Header.Get("Content-Location")),
		)
	}
	return st
}

// paramList renders MIME parameters as ("NAME" "value" ...) with
// sorted, uppercased names, or NIL when there are none.
func paramList(params map[string]string) Data {
	if len(params) == 0 {
		return NIL
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	list := make(List, 0, 2*len(names))
	for _, name := range names {
		list = append(list, Quoted(strings.ToUpper(name)), Quoted(params[name]))
	}
	return list
}

func dispositionField(h message.Header) Data {
	if h.Get("Content-Disposition") == "" {
		return NIL
	}
	disp, dispParams, err := h.ContentDisposition()
	if err != nil {
		return NIL
	}
	return List{Quoted(strings.ToUpper(disp)), paramList(dispParams)}
}

func fallbackStructure(extended bool) Data {
	st := List{
		Quoted("TEXT"), Quoted("PLAIN"),
		List{Quoted("CHARSET"), Quoted("us-ascii")},
		NIL, NIL, Quoted("7BIT"), Number(0), Number(0),
	}
	if extended {
		st = append(st, NIL, NIL, NIL, NIL)
	}
	return st
}

func splitMediaType(mediaType string) (string, string) {
	parts := strings.SplitN(strings.ToLower(mediaType), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "text", "plain"
	}
	return parts[0], parts[1]
}

func countLines(body []byte) int {
	return bytes.Count(body, []byte("\n"))
}
