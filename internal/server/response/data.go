// Package response builds the structured payloads of FETCH responses:
// typed data items, ENVELOPE and BODYSTRUCTURE. Handlers assemble trees
// of Data values; a single serializer owns quoting and literal framing.
package response

import (
	"strconv"
	"strings"
)

// Data is one node of a FETCH response value: an atom, a number, a quoted
// string, a literal, or a parenthesized list of further nodes.
type Data interface {
	format(b *strings.Builder)
}

// NIL is the IMAP nil atom.
const NIL = Atom("NIL")

// Atom is written raw, without quoting.
type Atom string

func (a Atom) format(b *strings.Builder) {
	b.WriteString(string(a))
}

// Number is an unsigned decimal.
type Number int64

func (n Number) format(b *strings.Builder) {
	b.WriteString(strconv.FormatInt(int64(n), 10))
}

// Quoted is a double-quoted string with backslash and quote escaped.
type Quoted string

func (q Quoted) format(b *strings.Builder) {
	b.WriteByte('"')
	for i := 0; i < len(q); i++ {
		c := q[i]
		if c == '\\' || c == '"' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
}

// Literal carries raw bytes framed as {N} followed by CRLF and the bytes.
type Literal string

func (l Literal) format(b *strings.Builder) {
	b.WriteByte('{')
	b.WriteString(strconv.Itoa(len(l)))
	b.WriteString("}\r\n")
	b.WriteString(string(l))
}

// List is a parenthesized, space-separated sequence of nodes.
type List []Data

func (l List) format(b *strings.Builder) {
	b.WriteByte('(')
	for i, d := range l {
		if i > 0 {
			b.WriteByte(' ')
		}
		d.format(b)
	}
	b.WriteByte(')')
}

// Format serializes a data node.
func Format(d Data) string {
	var b strings.Builder
	d.format(&b)
	return b.String()
}

// QuoteOrNIL quotes a string, mapping the empty string to NIL.
func QuoteOrNIL(s string) Data {
	if s == "" {
		return NIL
	}
	return Quoted(s)
}

// Item is one NAME/value pair of a FETCH response.
type Item struct {
	Name  string
	Value Data
}

// FormatItems renders the item list that goes inside the outer FETCH
// parentheses.
func FormatItems(items []Item) string {
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(item.Name)
		b.WriteByte(' ')
		item.Value.format(&b)
	}
	return b.String()
}
