// Package storage implements the on-disk mailbox layer: a Maildir
// filesystem adapter, a per-user UID registry persisted as JSON, and the
// mailbox wrapper composing the two.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-maildir"
)

var (
	// ErrNoSuchMessage is returned when a key has disappeared, usually
	// because another client deleted the file mid-operation. Callers skip
	// the message rather than failing the whole command.
	ErrNoSuchMessage = errors.New("storage: no such message")

	// ErrNoSuchFolder is returned for folders that do not exist on disk.
	ErrNoSuchFolder = errors.New("storage: no such folder")

	// ErrFolderExists is returned by folder creation on duplicates.
	ErrFolderExists = errors.New("storage: folder already exists")
)

const infoSeparator = ":2,"

// Dir is a single Maildir directory. Listing and renames are serialized
// with a mutex because readdir is not safe against a concurrent rename of
// the same entries.
type Dir struct {
	path string
	mu   sync.Mutex
}

// Entry describes one message file without reading its contents.
type Entry struct {
	Key      string
	Filename string
	Flags    []maildir.Flag
	Recent   bool // resident in new/
}

// OpenDir opens the Maildir at path, creating cur/new/tmp when create is
// set. Opening a non-existent dir without create fails with ErrNoSuchFolder.
func OpenDir(path string, create bool) (*Dir, error) {
	if _, err := os.Stat(filepath.Join(path, "cur")); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat maildir %s: %w", path, err)
		}
		if !create {
			return nil, ErrNoSuchFolder
		}
		if err := maildir.Dir(path).Init(); err != nil {
			return nil, fmt.Errorf("init maildir %s: %w", path, err)
		}
	}
	return &Dir{path: path}, nil
}

// Path returns the directory this Dir wraps.
func (d *Dir) Path() string {
	return d.path
}

// Clean removes stale files from tmp/, unwinding deliveries that were
// cancelled before publication.
func (d *Dir) Clean() error {
	return maildir.Dir(d.path).Clean()
}

// List returns every message in the union of new/ and cur/. Messages are
// never moved by listing; residency in new/ is what \Recent is derived
// from.
func (d *Dir) List() ([]Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listLocked()
}

func (d *Dir) listLocked() ([]Entry, error) {
	var entries []Entry
	for _, sub := range []string{"new", "cur"} {
		names, err := readDirNames(filepath.Join(d.path, sub))
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", d.path, sub, err)
		}
		for _, name := range names {
			entries = append(entries, entryFromName(name, sub == "new"))
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Lookup finds a single key in new/ or cur/.
func (d *Dir) Lookup(key string) (Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookupLocked(key)
}

func (d *Dir) lookupLocked(key string) (Entry, error) {
	name := filepath.Join(d.path, "new", key)
	if _, err := os.Stat(name); err == nil {
		return entryFromName(key, true), nil
	}
	names, err := readDirNames(filepath.Join(d.path, "cur"))
	if err != nil {
		return Entry{}, fmt.Errorf("lookup %s: %w", key, err)
	}
	for _, n := range names {
		if keyFromName(n) == key {
			return entryFromName(n, false), nil
		}
	}
	return Entry{}, ErrNoSuchMessage
}

// Read returns the raw message bytes, its current entry, and the file
// modification time used as the delivery time.
func (d *Dir) Read(key string) ([]byte, Entry, time.Time, error) {
	entry, err := d.Lookup(key)
	if err != nil {
		return nil, Entry{}, time.Time{}, err
	}
	path := d.entryPath(entry)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Entry{}, time.Time{}, ErrNoSuchMessage
		}
		return nil, Entry{}, time.Time{}, fmt.Errorf("read %s: %w", key, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, Entry{}, time.Time{}, fmt.Errorf("stat %s: %w", key, err)
	}
	return raw, entry, info.ModTime(), nil
}

// SetFlags renames the message file with the new persistent flag set.
// Any non-empty flag set moves the file into cur/; the key itself never
// changes, so the message keeps its UID.
func (d *Dir) SetFlags(key string, flags []maildir.Flag) (Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, err := d.lookupLocked(key)
	if err != nil {
		return Entry{}, err
	}

	sub := "cur"
	if entry.Recent && len(flags) == 0 {
		sub = "new"
	}
	newName := key
	if sub == "cur" {
		newName = key + infoSeparator + formatFlags(flags)
	}

	oldPath := d.entryPath(entry)
	newPath := filepath.Join(d.path, sub, newName)
	if oldPath != newPath {
		if err := os.Rename(oldPath, newPath); err != nil {
			if os.IsNotExist(err) {
				return Entry{}, ErrNoSuchMessage
			}
			return Entry{}, fmt.Errorf("set flags on %s: %w", key, err)
		}
	}
	return entryFromName(newName, sub == "new"), nil
}

// Remove deletes the message file for key.
func (d *Dir) Remove(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, err := d.lookupLocked(key)
	if err != nil {
		return err
	}
	if err := os.Remove(d.entryPath(entry)); err != nil {
		if os.IsNotExist(err) {
			return ErrNoSuchMessage
		}
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// StageTmp writes the message to tmp/ under a fresh key and returns the
// key. The message is invisible until Publish renames it into new/.
func (d *Dir) StageTmp(raw []byte) (string, error) {
	key := newKey()
	path := filepath.Join(d.path, "tmp", key)
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return "", fmt.Errorf("stage %s: %w", key, err)
	}
	return key, nil
}

// Publish moves a staged message from tmp/ to new/, making it visible.
func (d *Dir) Publish(key string) error {
	from := filepath.Join(d.path, "tmp", key)
	to := filepath.Join(d.path, "new", key)
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

// Discard removes a staged message that will not be published.
func (d *Dir) Discard(key string) {
	_ = os.Remove(filepath.Join(d.path, "tmp", key))
}

func (d *Dir) entryPath(e Entry) string {
	sub := "cur"
	if e.Recent {
		sub = "new"
	}
	return filepath.Join(d.path, sub, e.Filename)
}

func entryFromName(name string, recent bool) Entry {
	return Entry{
		Key:      keyFromName(name),
		Filename: name,
		Flags:    parseFlags(name),
		Recent:   recent,
	}
}

func keyFromName(name string) string {
	if i := strings.Index(name, infoSeparator); i >= 0 {
		return name[:i]
	}
	return name
}

func parseFlags(name string) []maildir.Flag {
	i := strings.Index(name, infoSeparator)
	if i < 0 {
		return nil
	}
	var flags []maildir.Flag
	for _, r := range name[i+len(infoSeparator):] {
		flags = append(flags, maildir.Flag(r))
	}
	return flags
}

func formatFlags(flags []maildir.Flag) string {
	runes := make([]rune, 0, len(flags))
	for _, f := range flags {
		runes = append(runes, rune(f))
	}
	sort.Slice(runes, func(i, j int) bool { return runes[i] < runes[j] })
	// drop duplicates
	out := runes[:0]
	var last rune
	for i, r := range runes {
		if i == 0 || r != last {
			out = append(out, r)
		}
		last = r
	}
	return string(out)
}

func readDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

var keyCounter uint64

// newKey produces a Maildir delivery filename: seconds, pid and a process
// counter keep it unique on this host, the hostname keeps it unique across
// hosts sharing the filesystem.
func newKey() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	host = strings.NewReplacer("/", "\\057", ":", "\\072").Replace(host)
	n := atomic.AddUint64(&keyCounter, 1)
	return fmt.Sprintf("%d.%d_%d.%s", time.Now().Unix(), os.Getpid(), n, host)
}
