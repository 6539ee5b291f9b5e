package utils

import (
	"reflect"
	"testing"

	"github.com/emersion/go-maildir"
)

func TestIMAPFlagList(t *testing.T) {
	got := IMAPFlagList([]maildir.Flag{maildir.FlagFlagged, maildir.FlagSeen}, false)
	if got != `(\Seen \Flagged)` {
		t.Errorf("Expected '(\\Seen \\Flagged)', got '%s'", got)
	}

	got = IMAPFlagList(nil, true)
	if got != `(\Recent)` {
		t.Errorf("Expected '(\\Recent)', got '%s'", got)
	}

	got = IMAPFlagList(nil, false)
	if got != "()" {
		t.Errorf("Expected '()', got '%s'", got)
	}
}

func TestIMAPFlagAtoms_Ordering(t *testing.T) {
	flags := []maildir.Flag{maildir.FlagDraft, maildir.FlagTrashed, maildir.FlagSeen}
	got := IMAPFlagAtoms(flags, true)
	want := []string{`\Recent`, `\Seen`, `\Deleted`, `\Draft`}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestMaildirFlagsFromAtoms(t *testing.T) {
	got := MaildirFlagsFromAtoms([]string{`\Seen`, `\Answered`, `\Recent`, `\Bogus`})
	want := []maildir.Flag{maildir.FlagSeen, maildir.FlagReplied}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	// case-insensitive atoms
	got = MaildirFlagsFromAtoms([]string{`\seen`, `\DELETED`})
	want = []maildir.Flag{maildir.FlagSeen, maildir.FlagTrashed}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestCalculateNewFlags(t *testing.T) {
	current := []maildir.Flag{maildir.FlagSeen, maildir.FlagFlagged}

	testCases := []struct {
		name      string
		operation string
		atoms     []string
		want      []maildir.Flag
	}{
		{"replace", "FLAGS", []string{`\Deleted`}, []maildir.Flag{maildir.FlagTrashed}},
		{"add", "+FLAGS", []string{`\Answered`}, []maildir.Flag{maildir.FlagSeen, maildir.FlagReplied, maildir.FlagFlagged}},
		{"remove", "-FLAGS", []string{`\Flagged`}, []maildir.Flag{maildir.FlagSeen}},
		{"remove absent is noop", "-FLAGS", []string{`\Draft`}, []maildir.Flag{maildir.FlagSeen, maildir.FlagFlagged}},
		{"recent never stored", "+FLAGS", []string{`\Recent`}, []maildir.Flag{maildir.FlagSeen, maildir.FlagFlagged}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := CalculateNewFlags(current, tc.atoms, tc.operation)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("CalculateNewFlags(%s %v) = %v, want %v", tc.operation, tc.atoms, got, tc.want)
			}
		})
	}
}

func TestCalculateNewFlags_Idempotent(t *testing.T) {
	current := []maildir.Flag{maildir.FlagSeen}
	once := CalculateNewFlags(current, []string{`\Seen`}, "FLAGS")
	twice := CalculateNewFlags(once, []string{`\Seen`}, "FLAGS")
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("Expected repeated STORE FLAGS to be idempotent, got %v then %v", once, twice)
	}
}
