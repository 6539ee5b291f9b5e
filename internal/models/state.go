package models

import "net"

type ClientState struct {
	Authenticated  bool
	Username       string
	SelectedFolder string // Empty when no mailbox is selected
	ReadOnly       bool   // True when the folder was opened with EXAMINE
	TLSActive      bool
	Conn           net.Conn
	// Mailbox state tracking for NOOP/IDLE untagged updates
	LastMessageCount int
	LastRecentCount  int
	UIDValidity      uint64
	UIDNext          uint32
}

// Selected reports whether a mailbox is currently selected.
func (s *ClientState) Selected() bool {
	return s.SelectedFolder != ""
}

// Deselect drops the Selected state but keeps authentication.
func (s *ClientState) Deselect() {
	s.SelectedFolder = ""
	s.ReadOnly = false
	s.LastMessageCount = 0
	s.LastRecentCount = 0
	s.UIDValidity = 0
	s.UIDNext = 0
}
