package utils

import (
	"strings"

	"github.com/emersion/go-maildir"
)

// flagOrder fixes the order flag atoms appear in FETCH and SELECT output.
var flagOrder = []maildir.Flag{
	maildir.FlagSeen,
	maildir.FlagReplied,
	maildir.FlagFlagged,
	maildir.FlagTrashed,
	maildir.FlagDraft,
}

var flagAtoms = map[maildir.Flag]string{
	maildir.FlagSeen:    `\Seen`,
	maildir.FlagReplied: `\Answered`,
	maildir.FlagFlagged: `\Flagged`,
	maildir.FlagTrashed: `\Deleted`,
	maildir.FlagDraft:   `\Draft`,
}

var atomFlags = map[string]maildir.Flag{
	`\seen`:     maildir.FlagSeen,
	`\answered`: maildir.FlagReplied,
	`\flagged`:  maildir.FlagFlagged,
	`\deleted`:  maildir.FlagTrashed,
	`\draft`:    maildir.FlagDraft,
}

// IMAPFlagAtoms maps Maildir flag letters to IMAP flag atoms, prepending
// \Recent when the message resides in new/.
func IMAPFlagAtoms(flags []maildir.Flag, recent bool) []string {
	var atoms []string
	if recent {
		atoms = append(atoms, `\Recent`)
	}
	for _, f := range flagOrder {
		for _, have := range flags {
			if have == f {
				atoms = append(atoms, flagAtoms[f])
				break
			}
		}
	}
	return atoms
}

// IMAPFlagList renders the parenthesized flag list used in FETCH responses.
func IMAPFlagList(flags []maildir.Flag, recent bool) string {
	return "(" + strings.Join(IMAPFlagAtoms(flags, recent), " ") + ")"
}

// MaildirFlagsFromAtoms converts IMAP flag atoms to Maildir letters.
// Unknown atoms and \Recent (which the server derives, never stores) are
// ignored.
func MaildirFlagsFromAtoms(atoms []string) []maildir.Flag {
	var flags []maildir.Flag
	for _, atom := range atoms {
		if f, ok := atomFlags[strings.ToLower(atom)]; ok {
			flags = append(flags, f)
		}
	}
	return flags
}

// CalculateNewFlags applies a STORE operation to the current flag set.
// The operation is FLAGS (replace), +FLAGS (add) or -FLAGS (remove); the
// .SILENT suffix is the caller's concern.
func CalculateNewFlags(current []maildir.Flag, atoms []string, operation string) []maildir.Flag {
	requested := MaildirFlagsFromAtoms(atoms)

	set := make(map[maildir.Flag]bool)
	switch strings.ToUpper(operation) {
	case "FLAGS":
		for _, f := range requested {
			set[f] = true
		}
	case "+FLAGS":
		for _, f := range current {
			set[f] = true
		}
		for _, f := range requested {
			set[f] = true
		}
	case "-FLAGS":
		for _, f := range current {
			set[f] = true
		}
		for _, f := range requested {
			delete(set, f)
		}
	default:
		return current
	}

	var flags []maildir.Flag
	for _, f := range flagOrder {
		if set[f] {
			flags = append(flags, f)
		}
	}
	return flags
}
