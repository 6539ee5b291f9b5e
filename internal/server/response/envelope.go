package response

import (
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// Envelope builds the ENVELOPE structure of a message header.
// ENVELOPE format: (date subject from sender reply-to to cc bcc in-reply-to message-id)
// per RFC 3501 Section 7.4.2. Sender and Reply-To default to the From
// addresses when the header omits them.
func Envelope(h message.Header) List {
	from := addressField(h, "From")
	sender := addressField(h, "Sender")
	if sender == nil {
		sender = from
	}
	replyTo := addressField(h, "Reply-To")
	if replyTo == nil {
		replyTo = from
	}

	return List{
		QuoteOrNIL(h.Get("Date")),
		QuoteOrNIL(h.Get("Subject")),
		orNIL(from),
		orNIL(sender),
		orNIL(replyTo),
		orNIL(addressField(h, "To")),
		orNIL(addressField(h, "Cc")),
		orNIL(addressField(h, "Bcc")),
		QuoteOrNIL(h.Get("In-Reply-To")),
		QuoteOrNIL(h.Get("Message-Id")),
	}
}

func orNIL(d Data) Data {
	if d == nil {
		return NIL
	}
	return d
}

// addressField renders an address header as a list of address
// structures (name route mailbox host). Route is always NIL, it is
// obsolete per RFC 2822. Returns nil when the header is absent or
// unparseable.
func addressField(h message.Header, field string) Data {
	if h.Get(field) == "" {
		return nil
	}

	mh := mail.Header{Header: h}
	addrs, err := mh.AddressList(field)
	if err != nil || len(addrs) == 0 {
		return nil
	}

	list := make(List, 0, len(addrs))
	for _, addr := range addrs {
		mailbox := addr.Address
		host := ""
		if at := strings.LastIndex(addr.Address, "@"); at != -1 {
			mailbox = addr.Address[:at]
			host = addr.Address[at+1:]
		}
		list = append(list, List{
			QuoteOrNIL(addr.Name),
			NIL,
			QuoteOrNIL(mailbox),
			QuoteOrNIL(host),
		})
	}
	return list
}
