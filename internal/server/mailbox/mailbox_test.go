package mailbox

import (
	"net"
	"strings"
	"testing"

	"petrel/internal/metrics"
	"petrel/internal/models"
	"petrel/internal/storage"
)

type fakeDeps struct {
	store     *storage.Store
	responses []string
}

func (d *fakeDeps) SendResponse(conn net.Conn, response string) {
	d.responses = append(d.responses, response)
}

func (d *fakeDeps) Store() *storage.Store { return d.store }

func (d *fakeDeps) Metrics() metrics.Collector { return &metrics.NoopCollector{} }

func (d *fakeDeps) joined() string { return strings.Join(d.responses, "\n") }

func newTestStore(t *testing.T) (*fakeDeps, *models.ClientState) {
	t.Helper()

	store := storage.NewStore(t.TempDir())
	if err := store.EnsureUser("alice"); err != nil {
		t.Fatalf("Failed to set up user: %v", err)
	}
	state := &models.ClientState{Authenticated: true, Username: "alice"}
	return &fakeDeps{store: store}, state
}

func TestHandleList_AllFolders(t *testing.T) {
	deps, state := newTestStore(t)
	if err := deps.store.CreateFolder("alice", "Sent"); err != nil {
		t.Fatalf("Failed to create folder: %v", err)
	}

	HandleList(deps, nil, "A1", []string{"A1", "LIST", `""`, `"*"`}, state)

	out := deps.joined()
	if !strings.Contains(out, `"INBOX"`) || !strings.Contains(out, `"Sent"`) {
		t.Errorf("Expected INBOX and Sent in LIST, got:\n%s", out)
	}
	if !strings.Contains(out, "A1 OK LIST completed") {
		t.Errorf("Expected tagged OK, got:\n%s", out)
	}
}

func TestHandleList_EmptyPattern(t *testing.T) {
	deps, state := newTestStore(t)

	HandleList(deps, nil, "A1", []string{"A1", "LIST", `""`, `""`}, state)

	if deps.responses[0] != `* LIST (\Noselect) "/" ""` {
		t.Errorf("Expected hierarchy delimiter response, got:\n%s", deps.joined())
	}
}

func TestHandleList_PathTraversal(t *testing.T) {
	deps, state := newTestStore(t)

	HandleList(deps, nil, "A1", []string{"A1", "LIST", `""`, `"../other"`}, state)

	if !strings.Contains(deps.joined(), "A1 NO [NONEXISTENT]") {
		t.Errorf("Expected NO [NONEXISTENT] for traversal, got:\n%s", deps.joined())
	}
}

func TestHandleList_PatternFilter(t *testing.T) {
	deps, state := newTestStore(t)
	for _, f := range []string{"Sent", "Spam", "Drafts"} {
		if err := deps.store.CreateFolder("alice", f); err != nil {
			t.Fatalf("Failed to create folder: %v", err)
		}
	}

	HandleList(deps, nil, "A1", []string{"A1", "LIST", `""`, `"S%"`}, state)

	out := deps.joined()
	if !strings.Contains(out, `"Sent"`) || !strings.Contains(out, `"Spam"`) {
		t.Errorf("Expected Sent and Spam, got:\n%s", out)
	}
	if strings.Contains(out, "Drafts") || strings.Contains(out, "INBOX") {
		t.Errorf("Expected only S folders, got:\n%s", out)
	}
}

func TestHandleLsub(t *testing.T) {
	deps, state := newTestStore(t)
	if err := deps.store.CreateFolder("alice", "Sent"); err != nil {
		t.Fatalf("Failed to create folder: %v", err)
	}

	HandleLsub(deps, nil, "A1", []string{"A1", "LSUB", `""`, `"*"`}, state)

	out := deps.joined()
	if !strings.Contains(out, `* LSUB () "/" "Sent"`) {
		t.Errorf("Expected LSUB line for Sent, got:\n%s", out)
	}
	if !strings.Contains(out, "A1 OK LSUB completed") {
		t.Errorf("Expected tagged OK, got:\n%s", out)
	}
}

func TestHandleCreate(t *testing.T) {
	deps, state := newTestStore(t)

	HandleCreate(deps, nil, "A1", []string{"A1", "CREATE", `"Archive"`}, state)
	if !strings.Contains(deps.joined(), "A1 OK CREATE completed") {
		t.Errorf("Expected OK, got:\n%s", deps.joined())
	}

	folders, _ := deps.store.Folders("alice")
	found := false
	for _, f := range folders {
		if f == "Archive" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected Archive in folder list, got %v", folders)
	}
}

func TestHandleCreate_Duplicate(t *testing.T) {
	deps, state := newTestStore(t)

	HandleCreate(deps, nil, "A1", []string{"A1", "CREATE", "Archive"}, state)
	deps.responses = nil
	HandleCreate(deps, nil, "A2", []string{"A2", "CREATE", "Archive"}, state)

	if !strings.Contains(deps.joined(), "A2 NO [ALREADYEXISTS]") {
		t.Errorf("Expected NO [ALREADYEXISTS], got:\n%s", deps.joined())
	}
}

func TestHandleCreate_Inbox(t *testing.T) {
	deps, state := newTestStore(t)

	HandleCreate(deps, nil, "A1", []string{"A1", "CREATE", "inbox"}, state)

	if !strings.Contains(deps.joined(), "A1 NO [ALREADYEXISTS]") {
		t.Errorf("Expected NO [ALREADYEXISTS] for INBOX, got:\n%s", deps.joined())
	}
}

func TestHandleCreate_InvalidName(t *testing.T) {
	deps, state := newTestStore(t)

	HandleCreate(deps, nil, "A1", []string{"A1", "CREATE", `"../escape"`}, state)

	if !strings.Contains(deps.joined(), "A1 BAD") {
		t.Errorf("Expected BAD for invalid name, got:\n%s", deps.joined())
	}
}

func TestHandleStatus(t *testing.T) {
	deps, state := newTestStore(t)
	mbox, err := deps.store.Mailbox("alice", "INBOX", true)
	if err != nil {
		t.Fatalf("Failed to open INBOX: %v", err)
	}
	if _, err := mbox.Save([]byte("Subject: x\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("Failed to deliver: %v", err)
	}

	HandleStatus(deps, nil, "A1", []string{"A1", "STATUS", "INBOX", "(MESSAGES", "RECENT", "UIDNEXT", "UNSEEN)"}, state)

	out := deps.joined()
	if !strings.Contains(out, `* STATUS "INBOX" (MESSAGES 1 RECENT 1 UIDNEXT 2 UNSEEN 1)`) {
		t.Errorf("Expected status counts, got:\n%s", out)
	}
	if !strings.Contains(out, "A1 OK STATUS completed") {
		t.Errorf("Expected tagged OK, got:\n%s", out)
	}
}

func TestHandleStatus_Nonexistent(t *testing.T) {
	deps, state := newTestStore(t)

	HandleStatus(deps, nil, "A1", []string{"A1", "STATUS", "Nope", "(MESSAGES)"}, state)

	if !strings.Contains(deps.joined(), "A1 NO [NONEXISTENT]") {
		t.Errorf("Expected NO [NONEXISTENT], got:\n%s", deps.joined())
	}
}

func TestHandleStatus_UnknownItem(t *testing.T) {
	deps, state := newTestStore(t)

	HandleStatus(deps, nil, "A1", []string{"A1", "STATUS", "INBOX", "(BOGUS)"}, state)

	if !strings.Contains(deps.joined(), "A1 BAD") {
		t.Errorf("Expected BAD for unknown item, got:\n%s", deps.joined())
	}
}
