package auth

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
)

// File authenticates against a credentials file with one "user:password"
// entry per line. Blank lines and lines starting with # are ignored. The
// file is re-read when its modification time changes.
type File struct {
	path string

	mu      sync.Mutex
	modTime int64
	users   map[string]string
}

func NewFile(path string) (*File, error) {
	f := &File{path: path}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Authenticate(username, password string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.reloadIfChanged(); err != nil {
		return false, err
	}

	want, ok := f.users[username]
	if !ok {
		return false, nil
	}
	return want == password, nil
}

func (f *File) reloadIfChanged() error {
	info, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("stat credentials file: %w", err)
	}
	if info.ModTime().Unix() == f.modTime {
		return nil
	}
	return f.reload()
}

func (f *File) reload() error {
	fh, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open credentials file: %w", err)
	}
	defer func() { _ = fh.Close() }()

	info, err := fh.Stat()
	if err != nil {
		return fmt.Errorf("stat credentials file: %w", err)
	}

	users := make(map[string]string)
	scanner := bufio.NewScanner(fh)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, pass, ok := strings.Cut(line, ":")
		if !ok || user == "" {
			return fmt.Errorf("credentials file %s: malformed line %d", f.path, lineNo)
		}
		users[user] = pass
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read credentials file: %w", err)
	}

	f.users = users
	f.modTime = info.ModTime().Unix()
	return nil
}
