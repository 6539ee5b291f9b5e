package storage

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const registryFilename = ".uid_mapping"

// Registry holds the UID bookkeeping for every folder of one user,
// persisted as a single JSON document at the user root. One mutex covers
// the in-memory maps and the file; it is never held across network I/O.
type Registry struct {
	path string

	mu   sync.Mutex
	data *registryData
}

type registryData struct {
	Folders map[string]*folderRecord `json:"folders"`
}

type folderRecord struct {
	UIDValidity uint64            `json:"uidvalidity"`
	UIDNext     uint32            `json:"uidnext"`
	KeyToUID    map[string]uint32 `json:"key_to_uid"`
	UIDToKey    map[string]string `json:"uid_to_key"`
}

// OpenRegistry returns the registry for the user rooted at userRoot. The
// file is loaded lazily on first use.
func OpenRegistry(userRoot string) *Registry {
	return &Registry{path: filepath.Join(userRoot, registryFilename)}
}

// Reconcile aligns the folder's mapping with the keys currently on disk.
// Deleted keys are dropped from both maps without decreasing uidnext; new
// keys are assigned ascending UIDs. The document is persisted only when
// something changed.
func (r *Registry) Reconcile(folder string, currentKeys []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.folderLocked(folder)
	if err != nil {
		return err
	}

	current := make(map[string]bool, len(currentKeys))
	for _, k := range currentKeys {
		current[k] = true
	}

	changed := false
	for key, uid := range rec.KeyToUID {
		if !current[key] {
			delete(rec.KeyToUID, key)
			delete(rec.UIDToKey, strconv.FormatUint(uint64(uid), 10))
			changed = true
		}
	}
	for _, key := range currentKeys {
		if _, ok := rec.KeyToUID[key]; ok {
			continue
		}
		uid := rec.UIDNext
		rec.KeyToUID[key] = uid
		rec.UIDToKey[strconv.FormatUint(uint64(uid), 10)] = key
		rec.UIDNext = uid + 1
		changed = true
	}

	if changed {
		return r.persistLocked()
	}
	return nil
}

// Append assigns the next UID to a key that is about to appear on disk.
// The document is persisted before the caller publishes the file, so a
// crash between the two leaves only a registry entry that the next
// reconcile drops.
func (r *Registry) Append(folder, key string) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.folderLocked(folder)
	if err != nil {
		return 0, err
	}

	uid := rec.UIDNext
	rec.KeyToUID[key] = uid
	rec.UIDToKey[strconv.FormatUint(uint64(uid), 10)] = key
	rec.UIDNext = uid + 1

	if err := r.persistLocked(); err != nil {
		// Roll the assignment back; nothing was published.
		delete(rec.KeyToUID, key)
		delete(rec.UIDToKey, strconv.FormatUint(uint64(uid), 10))
		rec.UIDNext = uid
		return 0, err
	}
	return uid, nil
}

// UIDForKey looks up the UID assigned to key, if any.
func (r *Registry) UIDForKey(folder, key string) (uint32, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.folderLocked(folder)
	if err != nil {
		return 0, false, err
	}
	uid, ok := rec.KeyToUID[key]
	return uid, ok, nil
}

// KeyForUID looks up the key a UID maps to, if it is still live.
func (r *Registry) KeyForUID(folder string, uid uint32) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.folderLocked(folder)
	if err != nil {
		return "", false, err
	}
	key, ok := rec.UIDToKey[strconv.FormatUint(uint64(uid), 10)]
	return key, ok, nil
}

// Snapshot returns uidvalidity, uidnext and a copy of the key→UID map.
func (r *Registry) Snapshot(folder string) (uint64, uint32, map[string]uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.folderLocked(folder)
	if err != nil {
		return 0, 0, nil, err
	}
	keyToUID := make(map[string]uint32, len(rec.KeyToUID))
	for k, v := range rec.KeyToUID {
		keyToUID[k] = v
	}
	return rec.UIDValidity, rec.UIDNext, keyToUID, nil
}

// UIDValidity returns the folder's uidvalidity, creating the folder
// record if this is the first time the folder is seen.
func (r *Registry) UIDValidity(folder string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.folderLocked(folder)
	if err != nil {
		return 0, err
	}
	return rec.UIDValidity, nil
}

// Forget drops the record of a folder that no longer exists on disk.
func (r *Registry) Forget(folder string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadLocked(); err != nil {
		return err
	}
	if _, ok := r.data.Folders[folder]; !ok {
		return nil
	}
	delete(r.data.Folders, folder)
	return r.persistLocked()
}

func (r *Registry) folderLocked(folder string) (*folderRecord, error) {
	if err := r.loadLocked(); err != nil {
		return nil, err
	}
	rec, ok := r.data.Folders[folder]
	if !ok {
		rec = &folderRecord{
			UIDValidity: r.newUIDValidityLocked(folder),
			UIDNext:     1,
			KeyToUID:    map[string]uint32{},
			UIDToKey:    map[string]string{},
		}
		r.data.Folders[folder] = rec
		if err := r.persistLocked(); err != nil {
			return nil, err
		}
	}
	if rec.KeyToUID == nil {
		rec.KeyToUID = map[string]uint32{}
	}
	if rec.UIDToKey == nil {
		rec.UIDToKey = map[string]string{}
	}
	if rec.UIDNext == 0 {
		rec.UIDNext = 1
	}
	return rec, nil
}

// newUIDValidityLocked picks wall-clock seconds plus a per-folder salt,
// bumped above every value already present so a clock step backwards can
// never hand out a smaller uidvalidity for this user.
func (r *Registry) newUIDValidityLocked(folder string) uint64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(folder))
	v := uint64(time.Now().Unix()) + uint64(h.Sum32()%1000)
	for _, rec := range r.data.Folders {
		if rec.UIDValidity >= v {
			v = rec.UIDValidity + 1
		}
	}
	return v
}

// loadLocked reads the JSON document on first access. A missing or
// corrupt file starts an empty document; UIDs are then rebuilt from
// filesystem state by the next reconcile.
func (r *Registry) loadLocked() error {
	if r.data != nil {
		return nil
	}

	data := &registryData{Folders: map[string]*folderRecord{}}
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read registry %s: %w", r.path, err)
		}
	} else if len(raw) > 0 {
		if err := json.Unmarshal(raw, data); err != nil {
			data = &registryData{Folders: map[string]*folderRecord{}}
		}
		if data.Folders == nil {
			data.Folders = map[string]*folderRecord{}
		}
	}
	r.data = data
	return nil
}

// persistLocked writes the whole document via a temp file and rename so a
// crash never leaves a truncated registry.
func (r *Registry) persistLocked() error {
	raw, err := json.MarshalIndent(r.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}
