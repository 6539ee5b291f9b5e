package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-maildir"
)

// Store owns the storage root and the per-user registries. It is shared
// between the IMAP server and the SMTP submission backend so both sides
// assign UIDs through the same table.
type Store struct {
	root string

	mu         sync.Mutex
	registries map[string]*Registry
}

func NewStore(root string) *Store {
	return &Store{
		root:       root,
		registries: map[string]*Registry{},
	}
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// Registry returns the UID registry for user, creating the handle on
// first use. The same instance is returned for every caller so the
// per-user mutex actually serializes them.
func (s *Store) Registry(user string) *Registry {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.registries[user]
	if !ok {
		reg = OpenRegistry(s.userRoot(user))
		s.registries[user] = reg
	}
	return reg
}

func (s *Store) userRoot(user string) string {
	return filepath.Join(s.root, user)
}

// EnsureUser creates the user's INBOX maildir if it does not exist and
// sweeps stale tmp/ files left by cancelled deliveries.
func (s *Store) EnsureUser(user string) error {
	dir, err := OpenDir(s.userRoot(user), true)
	if err != nil {
		return err
	}
	return dir.Clean()
}

// ValidFolderName rejects names that would escape the user root or
// collide with Maildir internals.
func ValidFolderName(name string) bool {
	if name == "" || strings.Contains(name, "..") {
		return false
	}
	if strings.ContainsAny(name, "/\\") {
		return false
	}
	return !strings.HasPrefix(name, ".")
}

// folderPath maps a folder name to its directory. INBOX is the user root
// itself; every other folder is a dot-prefixed subdirectory.
func (s *Store) folderPath(user, folder string) string {
	if strings.EqualFold(folder, "INBOX") {
		return s.userRoot(user)
	}
	return filepath.Join(s.userRoot(user), "."+folder)
}

// FolderKey is the registry key for a folder: the literal INBOX for the
// root maildir, the folder name otherwise.
func FolderKey(folder string) string {
	if strings.EqualFold(folder, "INBOX") {
		return "INBOX"
	}
	return folder
}

// Mailbox opens a per-folder handle. With create set, missing folders
// (including the INBOX root) are initialized.
func (s *Store) Mailbox(user, folder string, create bool) (*Mailbox, error) {
	if !ValidFolderName(folder) {
		return nil, ErrNoSuchFolder
	}
	dir, err := OpenDir(s.folderPath(user, folder), create)
	if err != nil {
		return nil, err
	}
	return &Mailbox{
		user:   user,
		folder: FolderKey(folder),
		dir:    dir,
		reg:    s.Registry(user),
	}, nil
}

// CreateFolder makes a new subfolder for user.
func (s *Store) CreateFolder(user, folder string) error {
	if !ValidFolderName(folder) || strings.EqualFold(folder, "INBOX") {
		return ErrFolderExists
	}
	path := s.folderPath(user, folder)
	if _, err := os.Stat(filepath.Join(path, "cur")); err == nil {
		return ErrFolderExists
	}
	_, err := OpenDir(path, true)
	return err
}

// Folders lists INBOX plus the names of the user's subfolders.
func (s *Store) Folders(user string) ([]string, error) {
	entries, err := os.ReadDir(s.userRoot(user))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSuchFolder
		}
		return nil, fmt.Errorf("list folders: %w", err)
	}

	folders := []string{"INBOX"}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, ".") || name == "." || name == ".." {
			continue
		}
		// only real maildirs count
		if _, err := os.Stat(filepath.Join(s.userRoot(user), name, "cur")); err != nil {
			continue
		}
		folders = append(folders, strings.TrimPrefix(name, "."))
	}
	sort.Strings(folders[1:])
	return folders, nil
}

// FolderAttributes inspects a folder and produces its LIST attributes.
func (s *Store) FolderAttributes(user, folder string) ([]string, error) {
	path := s.folderPath(user, folder)
	if _, err := os.Stat(filepath.Join(path, "cur")); err != nil {
		return []string{`\Noselect`}, nil
	}

	var attrs []string
	names, err := readDirNames(filepath.Join(path, "new"))
	if err == nil && len(names) > 0 {
		attrs = append(attrs, `\Marked`)
	} else {
		attrs = append(attrs, `\Unmarked`)
	}

	hasChildren := false
	if entries, err := os.ReadDir(path); err == nil {
		for _, e := range entries {
			if e.IsDir() && strings.HasPrefix(e.Name(), ".") && e.Name() != "." && e.Name() != ".." {
				hasChildren = true
				break
			}
		}
	}
	if hasChildren {
		attrs = append(attrs, `\HasChildren`)
	} else {
		attrs = append(attrs, `\HasNoChildren`)
	}
	return attrs, nil
}

// Mailbox is the per-folder handle composing the Maildir adapter and the
// UID registry. Handles are cheap; one is created per operation.
type Mailbox struct {
	user   string
	folder string
	dir    *Dir
	reg    *Registry
}

// Info describes one live message: its UID, key and current flags.
type Info struct {
	UID    uint32
	Key    string
	Flags  []maildir.Flag
	Recent bool
}

// Message is a fully loaded message.
type Message struct {
	Info
	Raw          []byte
	InternalDate time.Time
}

// Folder returns the registry folder key of this mailbox.
func (m *Mailbox) Folder() string {
	return m.folder
}

// reconcile enumerates the directory and aligns the registry with it.
func (m *Mailbox) reconcile() ([]Entry, error) {
	entries, err := m.dir.List()
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	if err := m.reg.Reconcile(m.folder, keys); err != nil {
		return nil, err
	}
	return entries, nil
}

// Messages returns the live messages sorted by UID ascending. The slice
// index plus one is the IMAP sequence number.
func (m *Mailbox) Messages() ([]Info, error) {
	entries, err := m.reconcile()
	if err != nil {
		return nil, err
	}
	_, _, keyToUID, err := m.reg.Snapshot(m.folder)
	if err != nil {
		return nil, err
	}

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		uid, ok := keyToUID[e.Key]
		if !ok {
			// raced with a concurrent delivery; the next reconcile sees it
			continue
		}
		infos = append(infos, Info{UID: uid, Key: e.Key, Flags: e.Flags, Recent: e.Recent})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].UID < infos[j].UID })
	return infos, nil
}

// MessageCount returns the number of live messages.
func (m *Mailbox) MessageCount() (int, error) {
	entries, err := m.dir.List()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// RecentCount returns the number of messages resident in new/.
func (m *Mailbox) RecentCount() (int, error) {
	names, err := readDirNames(filepath.Join(m.dir.Path(), "new"))
	if err != nil {
		return 0, fmt.Errorf("recent count: %w", err)
	}
	return len(names), nil
}

// UnseenCount returns the number of messages without the Seen flag.
func (m *Mailbox) UnseenCount() (int, error) {
	infos, err := m.Messages()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, info := range infos {
		if !hasFlag(info.Flags, maildir.FlagSeen) {
			n++
		}
	}
	return n, nil
}

// FirstUnseenSeq returns the 1-based sequence number of the first message
// without the Seen flag, or 0 when every message has been seen.
func (m *Mailbox) FirstUnseenSeq() (int, error) {
	infos, err := m.Messages()
	if err != nil {
		return 0, err
	}
	for i, info := range infos {
		if !hasFlag(info.Flags, maildir.FlagSeen) {
			return i + 1, nil
		}
	}
	return 0, nil
}

// UIDValidity returns the folder's uidvalidity.
func (m *Mailbox) UIDValidity() (uint64, error) {
	return m.reg.UIDValidity(m.folder)
}

// UIDNext reconciles and returns the next UID to be assigned.
func (m *Mailbox) UIDNext() (uint32, error) {
	if _, err := m.reconcile(); err != nil {
		return 0, err
	}
	_, uidnext, _, err := m.reg.Snapshot(m.folder)
	return uidnext, err
}

// Save deposits a message and returns its UID. The registry entry is
// written before the file becomes visible: a crash in between leaves a
// dangling mapping that the next reconcile drops, never a message file
// without a UID.
func (m *Mailbox) Save(raw []byte) (uint32, error) {
	key, err := m.dir.StageTmp(raw)
	if err != nil {
		return 0, err
	}
	uid, err := m.reg.Append(m.folder, key)
	if err != nil {
		m.dir.Discard(key)
		return 0, err
	}
	if err := m.dir.Publish(key); err != nil {
		m.dir.Discard(key)
		return 0, err
	}
	return uid, nil
}

// LoadByUID loads a message by UID. With markSeen set, the Seen flag is
// added before the load so the returned flags reflect the mutation.
func (m *Mailbox) LoadByUID(uid uint32, markSeen bool) (*Message, error) {
	if _, err := m.reconcile(); err != nil {
		return nil, err
	}
	key, ok, err := m.reg.KeyForUID(m.folder, uid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSuchMessage
	}
	return m.LoadByKey(key, markSeen)
}

// LoadByKey loads a message by its Maildir key.
func (m *Mailbox) LoadByKey(key string, markSeen bool) (*Message, error) {
	if markSeen {
		entry, err := m.dir.Lookup(key)
		if err != nil {
			return nil, err
		}
		if !hasFlag(entry.Flags, maildir.FlagSeen) {
			if _, err := m.dir.SetFlags(key, append(entry.Flags, maildir.FlagSeen)); err != nil {
				return nil, err
			}
		}
	}

	raw, entry, modTime, err := m.dir.Read(key)
	if err != nil {
		return nil, err
	}
	uid, ok, err := m.reg.UIDForKey(m.folder, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		// the key is on disk but the registry lagged behind; a full
		// reconcile assigns it a UID without touching the other mappings
		if _, err := m.reconcile(); err == nil {
			uid, _, _ = m.reg.UIDForKey(m.folder, key)
		}
	}
	return &Message{
		Info:         Info{UID: uid, Key: entry.Key, Flags: entry.Flags, Recent: entry.Recent},
		Raw:          raw,
		InternalDate: modTime,
	}, nil
}

// SetFlags replaces the persistent flag set of a message.
func (m *Mailbox) SetFlags(key string, flags []maildir.Flag) (Info, error) {
	entry, err := m.dir.SetFlags(key, flags)
	if err != nil {
		return Info{}, err
	}
	uid, _, err := m.reg.UIDForKey(m.folder, key)
	if err != nil {
		return Info{}, err
	}
	return Info{UID: uid, Key: entry.Key, Flags: entry.Flags, Recent: entry.Recent}, nil
}

// Expunge removes every message carrying the Trashed flag and returns
// their former sequence numbers in descending order, ready to be emitted
// as untagged EXPUNGE lines.
func (m *Mailbox) Expunge() ([]int, error) {
	infos, err := m.Messages()
	if err != nil {
		return nil, err
	}

	var seqs []int
	for i, info := range infos {
		if hasFlag(info.Flags, maildir.FlagTrashed) {
			if err := m.dir.Remove(info.Key); err != nil && err != ErrNoSuchMessage {
				return nil, err
			}
			seqs = append(seqs, i+1)
		}
	}
	if len(seqs) > 0 {
		if _, err := m.reconcile(); err != nil {
			return nil, err
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(seqs)))
	return seqs, nil
}

func hasFlag(flags []maildir.Flag, f maildir.Flag) bool {
	for _, have := range flags {
		if have == f {
			return true
		}
	}
	return false
}
