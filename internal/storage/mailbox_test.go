package storage

import (
	"testing"

	"github.com/emersion/go-maildir"
)

const sampleMessage = "From: a@example.com\r\nSubject: Hi\r\n\r\nBody\r\n"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := NewStore(t.TempDir())
	if err := store.EnsureUser("testuser"); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	return store
}

func TestMailbox_SaveAssignsSequentialUIDs(t *testing.T) {
	store := newTestStore(t)
	mbox, err := store.Mailbox("testuser", "INBOX", false)
	if err != nil {
		t.Fatalf("Mailbox failed: %v", err)
	}

	uid1, err := mbox.Save([]byte(sampleMessage))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	uid2, err := mbox.Save([]byte(sampleMessage))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if uid1 != 1 || uid2 != 2 {
		t.Errorf("Expected UIDs 1 and 2, got %d and %d", uid1, uid2)
	}

	count, err := mbox.MessageCount()
	if err != nil {
		t.Fatalf("MessageCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 messages, got %d", count)
	}
	recent, err := mbox.RecentCount()
	if err != nil {
		t.Fatalf("RecentCount failed: %v", err)
	}
	if recent != 2 {
		t.Errorf("Expected 2 recent messages, got %d", recent)
	}
	uidnext, err := mbox.UIDNext()
	if err != nil {
		t.Fatalf("UIDNext failed: %v", err)
	}
	if uidnext != 3 {
		t.Errorf("Expected UIDNEXT 3, got %d", uidnext)
	}
}

func TestMailbox_LoadByUIDMarkSeen(t *testing.T) {
	store := newTestStore(t)
	mbox, _ := store.Mailbox("testuser", "INBOX", false)
	uid, err := mbox.Save([]byte(sampleMessage))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	msg, err := mbox.LoadByUID(uid, true)
	if err != nil {
		t.Fatalf("LoadByUID failed: %v", err)
	}
	if string(msg.Raw) != sampleMessage {
		t.Errorf("Expected message bytes to round-trip, got %q", msg.Raw)
	}
	seen := false
	for _, f := range msg.Flags {
		if f == maildir.FlagSeen {
			seen = true
		}
	}
	if !seen {
		t.Error("Expected Seen flag after mark_seen load")
	}
	if msg.Recent {
		t.Error("Expected message to leave new/ once flagged")
	}

	// The UID survives the flag rename
	again, err := mbox.LoadByUID(uid, false)
	if err != nil {
		t.Fatalf("LoadByUID after rename failed: %v", err)
	}
	if again.UID != uid {
		t.Errorf("Expected UID %d to survive flag change, got %d", uid, again.UID)
	}

	recent, _ := mbox.RecentCount()
	if recent != 0 {
		t.Errorf("Expected 0 recent after mark_seen, got %d", recent)
	}
}

func TestMailbox_PeekLoadKeepsFlags(t *testing.T) {
	store := newTestStore(t)
	mbox, _ := store.Mailbox("testuser", "INBOX", false)
	uid, _ := mbox.Save([]byte(sampleMessage))

	msg, err := mbox.LoadByUID(uid, false)
	if err != nil {
		t.Fatalf("LoadByUID failed: %v", err)
	}
	if len(msg.Flags) != 0 {
		t.Errorf("Expected no flags after peek load, got %v", msg.Flags)
	}
	if !msg.Recent {
		t.Error("Expected message to stay in new/ after peek load")
	}
}

func TestMailbox_FirstUnseenSeq(t *testing.T) {
	store := newTestStore(t)
	mbox, _ := store.Mailbox("testuser", "INBOX", false)

	seq, err := mbox.FirstUnseenSeq()
	if err != nil {
		t.Fatalf("FirstUnseenSeq failed: %v", err)
	}
	if seq != 0 {
		t.Errorf("Expected no unseen in empty folder, got %d", seq)
	}

	uid1, _ := mbox.Save([]byte(sampleMessage))
	_, _ = mbox.Save([]byte(sampleMessage))

	if _, err := mbox.LoadByUID(uid1, true); err != nil {
		t.Fatalf("LoadByUID failed: %v", err)
	}
	seq, err = mbox.FirstUnseenSeq()
	if err != nil {
		t.Fatalf("FirstUnseenSeq failed: %v", err)
	}
	if seq != 2 {
		t.Errorf("Expected first unseen seq 2, got %d", seq)
	}
}

func TestMailbox_MessagesSortedByUID(t *testing.T) {
	store := newTestStore(t)
	mbox, _ := store.Mailbox("testuser", "INBOX", false)
	for i := 0; i < 3; i++ {
		if _, err := mbox.Save([]byte(sampleMessage)); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	infos, err := mbox.Messages()
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(infos))
	}
	for i, info := range infos {
		if info.UID != uint32(i+1) {
			t.Errorf("Expected UID %d at position %d, got %d", i+1, i, info.UID)
		}
	}
}

func TestMailbox_ExpungeRemovesTrashed(t *testing.T) {
	store := newTestStore(t)
	mbox, _ := store.Mailbox("testuser", "INBOX", false)
	_, _ = mbox.Save([]byte(sampleMessage))
	uid2, _ := mbox.Save([]byte(sampleMessage))
	_, _ = mbox.Save([]byte(sampleMessage))

	msg, err := mbox.LoadByUID(uid2, false)
	if err != nil {
		t.Fatalf("LoadByUID failed: %v", err)
	}
	if _, err := mbox.SetFlags(msg.Key, []maildir.Flag{maildir.FlagTrashed}); err != nil {
		t.Fatalf("SetFlags failed: %v", err)
	}

	seqs, err := mbox.Expunge()
	if err != nil {
		t.Fatalf("Expunge failed: %v", err)
	}
	if len(seqs) != 1 || seqs[0] != 2 {
		t.Errorf("Expected expunged sequence [2], got %v", seqs)
	}

	infos, _ := mbox.Messages()
	if len(infos) != 2 {
		t.Fatalf("Expected 2 messages after expunge, got %d", len(infos))
	}
	if infos[0].UID != 1 || infos[1].UID != 3 {
		t.Errorf("Expected surviving UIDs 1 and 3, got %d and %d", infos[0].UID, infos[1].UID)
	}

	// UIDs are never reused after an expunge
	uid4, err := mbox.Save([]byte(sampleMessage))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if uid4 != 4 {
		t.Errorf("Expected next UID 4, got %d", uid4)
	}
}

func TestMailbox_LoadByKeyRegistryMissKeepsOtherUIDs(t *testing.T) {
	store := newTestStore(t)
	mbox, _ := store.Mailbox("testuser", "INBOX", false)
	_, _ = mbox.Save([]byte(sampleMessage))
	uid2, _ := mbox.Save([]byte(sampleMessage))

	infos, err := mbox.Messages()
	if err != nil || len(infos) != 2 {
		t.Fatalf("Messages failed: %v (%v)", infos, err)
	}

	// drop the first mapping so the registry lags behind the directory
	if err := mbox.reg.Reconcile(mbox.folder, []string{infos[1].Key}); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	msg, err := mbox.LoadByKey(infos[0].Key, false)
	if err != nil {
		t.Fatalf("LoadByKey failed: %v", err)
	}
	if msg.UID <= uid2 {
		t.Errorf("Expected a fresh UID above %d for the adopted key, got %d", uid2, msg.UID)
	}

	// the other message must keep its UID through the adoption
	other, err := mbox.LoadByUID(uid2, false)
	if err != nil {
		t.Fatalf("LoadByUID(%d) failed: %v", uid2, err)
	}
	if other.Key != infos[1].Key {
		t.Errorf("Expected UID %d to stay with key %s, got %s", uid2, infos[1].Key, other.Key)
	}
}

func TestStore_UIDsSurviveRestart(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)
	if err := store.EnsureUser("testuser"); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	mbox, _ := store.Mailbox("testuser", "INBOX", false)
	uid, _ := mbox.Save([]byte(sampleMessage))
	validity, err := mbox.UIDValidity()
	if err != nil {
		t.Fatalf("UIDValidity failed: %v", err)
	}

	// A fresh Store over the same root simulates a process restart
	restarted := NewStore(root)
	mbox2, err := restarted.Mailbox("testuser", "INBOX", false)
	if err != nil {
		t.Fatalf("Mailbox after restart failed: %v", err)
	}
	validity2, err := mbox2.UIDValidity()
	if err != nil {
		t.Fatalf("UIDValidity after restart failed: %v", err)
	}
	if validity2 != validity {
		t.Errorf("Expected uidvalidity %d to survive restart, got %d", validity, validity2)
	}
	msg, err := mbox2.LoadByUID(uid, false)
	if err != nil {
		t.Fatalf("LoadByUID after restart failed: %v", err)
	}
	if msg.UID != uid {
		t.Errorf("Expected UID %d after restart, got %d", uid, msg.UID)
	}
}

func TestStore_FoldersAndCreate(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreateFolder("testuser", "Sent"); err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}
	if err := store.CreateFolder("testuser", "Drafts"); err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}
	if err := store.CreateFolder("testuser", "Sent"); err != ErrFolderExists {
		t.Errorf("Expected ErrFolderExists for duplicate, got %v", err)
	}

	folders, err := store.Folders("testuser")
	if err != nil {
		t.Fatalf("Folders failed: %v", err)
	}
	if len(folders) != 3 {
		t.Fatalf("Expected 3 folders, got %v", folders)
	}
	if folders[0] != "INBOX" || folders[1] != "Drafts" || folders[2] != "Sent" {
		t.Errorf("Expected [INBOX Drafts Sent], got %v", folders)
	}
}

func TestStore_FolderNameValidation(t *testing.T) {
	store := newTestStore(t)

	for _, bad := range []string{"", "..", "a/../b", ".hidden", "a/b"} {
		if _, err := store.Mailbox("testuser", bad, false); err != ErrNoSuchFolder {
			t.Errorf("Expected ErrNoSuchFolder for %q, got %v", bad, err)
		}
	}
}

func TestStore_FolderAttributes(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreateFolder("testuser", "Sent"); err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}

	attrs, err := store.FolderAttributes("testuser", "Sent")
	if err != nil {
		t.Fatalf("FolderAttributes failed: %v", err)
	}
	if !contains(attrs, `\Unmarked`) || !contains(attrs, `\HasNoChildren`) {
		t.Errorf("Expected Unmarked+HasNoChildren for empty folder, got %v", attrs)
	}

	mbox, _ := store.Mailbox("testuser", "Sent", false)
	_, _ = mbox.Save([]byte(sampleMessage))
	attrs, _ = store.FolderAttributes("testuser", "Sent")
	if !contains(attrs, `\Marked`) {
		t.Errorf("Expected Marked after delivery, got %v", attrs)
	}

	// INBOX has children once a subfolder exists
	attrs, _ = store.FolderAttributes("testuser", "INBOX")
	if !contains(attrs, `\HasChildren`) {
		t.Errorf("Expected HasChildren on INBOX, got %v", attrs)
	}

	attrs, _ = store.FolderAttributes("testuser", "Missing")
	if !contains(attrs, `\Noselect`) {
		t.Errorf("Expected Noselect for missing folder, got %v", attrs)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
