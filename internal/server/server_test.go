package server

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	internalauth "petrel/internal/auth"
	"petrel/internal/storage"
)

// session drives a full IMAP conversation over an in-memory pipe.
type session struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func newSession(t *testing.T) (*session, *storage.Store) {
	t.Helper()

	store := storage.NewStore(t.TempDir())
	authenticator := internalauth.NewStatic(map[string]string{"alice": "secret"})
	srv := NewIMAPServer(store, authenticator, Options{Hostname: "mail.example.org"})

	client, server := net.Pipe()
	go srv.HandleConnection(server)
	t.Cleanup(func() { _ = client.Close() })

	return &session{t: t, conn: client, reader: bufio.NewReader(client)}, store
}

func (s *session) send(line string) {
	s.t.Helper()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := s.conn.Write([]byte(line + "\r\n")); err != nil {
		s.t.Fatalf("Failed to send %q: %v", line, err)
	}
}

func (s *session) readLine() string {
	s.t.Helper()
	_ = s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := s.reader.ReadString('\n')
	if err != nil {
		s.t.Fatalf("Failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// readUntilTagged collects responses up to and including the tagged one.
func (s *session) readUntilTagged(tag string) []string {
	s.t.Helper()
	var lines []string
	for {
		line := s.readLine()
		lines = append(lines, line)
		if strings.HasPrefix(line, tag+" ") {
			return lines
		}
	}
}

func (s *session) command(tag, line string) string {
	s.t.Helper()
	s.send(line)
	return strings.Join(s.readUntilTagged(tag), "\n")
}

func (s *session) login(t *testing.T) {
	t.Helper()
	greeting := s.readLine()
	if !strings.HasPrefix(greeting, "* OK [CAPABILITY IMAP4rev1") {
		t.Fatalf("Unexpected greeting: %q", greeting)
	}
	out := s.command("L1", "L1 LOGIN alice secret")
	if !strings.Contains(out, "L1 OK [CAPABILITY ") {
		t.Fatalf("Login failed:\n%s", out)
	}
}

func deliverTo(t *testing.T, store *storage.Store, user, folder, raw string) uint32 {
	t.Helper()
	if err := store.EnsureUser(user); err != nil {
		t.Fatalf("Failed to prepare user: %v", err)
	}
	mbox, err := store.Mailbox(user, folder, true)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", folder, err)
	}
	uid, err := mbox.Save([]byte(raw))
	if err != nil {
		t.Fatalf("Failed to deliver message: %v", err)
	}
	return uid
}

const testMessage = "From: bob@example.org\r\n" +
	"To: alice@example.org\r\n" +
	"Subject: greetings\r\n" +
	"\r\n" +
	"Hello Alice\r\n"

func TestSession_GreetingAndLogin(t *testing.T) {
	s, _ := newSession(t)

	greeting := s.readLine()
	if !strings.HasPrefix(greeting, "* OK [CAPABILITY IMAP4rev1") {
		t.Errorf("Unexpected greeting: %q", greeting)
	}
	if !strings.Contains(greeting, "STARTTLS") {
		t.Errorf("Expected STARTTLS in plaintext greeting, got %q", greeting)
	}
	if !strings.Contains(greeting, "mail.example.org ready") {
		t.Errorf("Expected hostname in greeting, got %q", greeting)
	}

	out := s.command("A1", "A1 LOGIN alice secret")
	if !strings.Contains(out, "A1 OK [CAPABILITY ") {
		t.Errorf("Expected authenticated OK, got:\n%s", out)
	}
}

func TestSession_SelectEmptyInbox(t *testing.T) {
	s, _ := newSession(t)
	s.login(t)

	out := s.command("A2", "A2 SELECT INBOX")

	for _, want := range []string{
		"* 0 EXISTS",
		"* 0 RECENT",
		"[UIDVALIDITY ",
		"[UIDNEXT 1]",
		"[PERMANENTFLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft \\*)]",
		"A2 OK [READ-WRITE]",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("SELECT response missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "[UNSEEN") {
		t.Errorf("Expected no UNSEEN line for empty mailbox:\n%s", out)
	}
}

func TestSession_DeliverThenFetchLiteral(t *testing.T) {
	s, store := newSession(t)
	deliverTo(t, store, "alice", "INBOX", testMessage)
	s.login(t)

	out := s.command("A2", "A2 SELECT INBOX")
	if !strings.Contains(out, "* 1 EXISTS") {
		t.Fatalf("Expected one message, got:\n%s", out)
	}

	out = s.command("A3", "A3 FETCH 1 BODY[]")
	if !strings.Contains(out, "BODY[] {") {
		t.Errorf("Expected literal framing, got:\n%s", out)
	}
	if !strings.Contains(out, "Hello Alice") {
		t.Errorf("Expected message body in literal, got:\n%s", out)
	}
	if !strings.Contains(out, "A3 OK FETCH completed") {
		t.Errorf("Expected tagged OK, got:\n%s", out)
	}

	// non-PEEK body fetch marks the message read
	out = s.command("A4", "A4 FETCH 1 FLAGS")
	if !strings.Contains(out, `\Seen`) {
		t.Errorf("Expected \\Seen after BODY[] fetch, got:\n%s", out)
	}
}

func TestSession_PeekLeavesFlags(t *testing.T) {
	s, store := newSession(t)
	deliverTo(t, store, "alice", "INBOX", testMessage)
	s.login(t)
	s.command("A2", "A2 SELECT INBOX")

	out := s.command("A3", "A3 FETCH 1 BODY.PEEK[]")
	if !strings.Contains(out, "BODY[] {") {
		t.Errorf("Expected PEEK answered as BODY[], got:\n%s", out)
	}

	out = s.command("A4", "A4 FETCH 1 FLAGS")
	if strings.Contains(out, `\Seen`) {
		t.Errorf("Expected PEEK to leave flags untouched, got:\n%s", out)
	}
}

func TestSession_ListWildcard(t *testing.T) {
	s, store := newSession(t)
	if err := store.EnsureUser("alice"); err != nil {
		t.Fatalf("Failed to prepare user: %v", err)
	}
	if err := store.CreateFolder("alice", "Sent"); err != nil {
		t.Fatalf("Failed to create folder: %v", err)
	}
	s.login(t)

	out := s.command("A2", `A2 LIST "" "*"`)
	if !strings.Contains(out, `"/" "INBOX"`) {
		t.Errorf("Expected INBOX in listing, got:\n%s", out)
	}
	if !strings.Contains(out, `"/" "Sent"`) {
		t.Errorf("Expected Sent in listing, got:\n%s", out)
	}

	out = s.command("A3", `A3 LIST "" ""`)
	if !strings.Contains(out, `* LIST (\Noselect) "/" ""`) {
		t.Errorf("Expected hierarchy delimiter response, got:\n%s", out)
	}
}

func TestSession_SelectBeforeLogin(t *testing.T) {
	s, _ := newSession(t)
	s.readLine()

	out := s.command("A1", "A1 SELECT INBOX")
	if !strings.Contains(out, "A1 NO [CLIENTBUG] Please authenticate first") {
		t.Errorf("Expected NO with CLIENTBUG code before authentication, got:\n%s", out)
	}
}

func TestSession_FetchWithoutSelect(t *testing.T) {
	s, _ := newSession(t)
	s.login(t)

	out := s.command("A2", "A2 FETCH 1 FLAGS")
	if !strings.Contains(out, "A2 NO [CLIENTBUG] No folder selected") {
		t.Errorf("Expected NO with CLIENTBUG code without a selected folder, got:\n%s", out)
	}
}

func TestSession_UnknownCommand(t *testing.T) {
	s, _ := newSession(t)
	s.readLine()

	out := s.command("A1", "A1 FROBNICATE")
	if !strings.Contains(out, "A1 BAD Unknown command: FROBNICATE") {
		t.Errorf("Expected BAD, got:\n%s", out)
	}
}

func TestSession_OverlongLine(t *testing.T) {
	s, _ := newSession(t)
	s.readLine()

	s.send("A1 LOGIN alice " + strings.Repeat("x", maxLineBytes))
	out := strings.Join(s.readUntilTagged("A1"), "\n")
	if !strings.Contains(out, "A1 BAD Command line too long") {
		t.Errorf("Expected BAD for overlong line, got:\n%s", out)
	}

	// session survives the rejected line
	out = s.command("A2", "A2 CAPABILITY")
	if !strings.Contains(out, "A2 OK CAPABILITY completed") {
		t.Errorf("Expected working session after overlong line, got:\n%s", out)
	}
}

func TestReadLine_OverlongLineBoundedAndDrained(t *testing.T) {
	input := "A1 LOGIN alice " + strings.Repeat("x", maxLineBytes) + "\r\nA2 NOOP\r\n"
	reader := bufio.NewReaderSize(strings.NewReader(input), 8192)

	line, tooLong, err := readLine(reader)
	if err != nil {
		t.Fatalf("readLine failed: %v", err)
	}
	if !tooLong {
		t.Error("Expected overlong line to be reported")
	}
	if len(line) > maxLineBytes {
		t.Errorf("Expected at most %d buffered bytes, got %d", maxLineBytes, len(line))
	}
	if !strings.HasPrefix(line, "A1 LOGIN alice ") {
		t.Errorf("Expected line start kept for the tag, got %q", line[:20])
	}

	// the remainder of the rejected line is consumed
	line, tooLong, err = readLine(reader)
	if err != nil || tooLong {
		t.Fatalf("readLine after drain failed: %v (tooLong=%v)", err, tooLong)
	}
	if strings.TrimSpace(line) != "A2 NOOP" {
		t.Errorf("Expected next command after drain, got %q", line)
	}
}

func TestReadLine_NoDelimiterBeforeEOF(t *testing.T) {
	reader := bufio.NewReaderSize(strings.NewReader(strings.Repeat("x", 3*maxLineBytes)), 8192)

	line, tooLong, err := readLine(reader)
	if err != io.EOF {
		t.Fatalf("Expected EOF, got %v", err)
	}
	if !tooLong {
		t.Error("Expected undelimited stream to be reported as too long")
	}
	if len(line) > maxLineBytes {
		t.Errorf("Expected buffering capped at %d bytes, got %d", maxLineBytes, len(line))
	}
}

func TestSession_StartTLSUnconfigured(t *testing.T) {
	s, _ := newSession(t)
	s.readLine()

	out := s.command("A1", "A1 STARTTLS")
	if !strings.Contains(out, "A1 BAD TLS not available") {
		t.Errorf("Expected BAD without TLS config, got:\n%s", out)
	}
}

func TestSession_Logout(t *testing.T) {
	s, _ := newSession(t)
	s.readLine()

	s.send("A1 LOGOUT")
	bye := s.readLine()
	if !strings.HasPrefix(bye, "* BYE mail.example.org") {
		t.Errorf("Expected untagged BYE, got %q", bye)
	}
	ok := s.readLine()
	if !strings.Contains(ok, "A1 OK LOGOUT completed") {
		t.Errorf("Expected tagged OK, got %q", ok)
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := s.reader.ReadString('\n'); err == nil {
		t.Error("Expected connection closed after LOGOUT")
	}
}

func TestSession_UIDStabilityAcrossReselect(t *testing.T) {
	s, store := newSession(t)
	deliverTo(t, store, "alice", "INBOX", testMessage)
	deliverTo(t, store, "alice", "INBOX", testMessage)
	s.login(t)
	s.command("A2", "A2 SELECT INBOX")

	// flag and expunge message 1, then reselect
	s.command("A3", `A3 STORE 1 +FLAGS (\Deleted)`)
	out := s.command("A4", "A4 EXPUNGE")
	if !strings.Contains(out, "* 1 EXPUNGE") {
		t.Fatalf("Expected EXPUNGE response, got:\n%s", out)
	}

	s.command("A5", "A5 CLOSE")
	s.command("A6", "A6 SELECT INBOX")

	out = s.command("A7", "A7 UID FETCH 1:* (UID)")
	if !strings.Contains(out, "UID 2") {
		t.Errorf("Expected surviving message to keep UID 2, got:\n%s", out)
	}
	if strings.Contains(out, "UID 1)") {
		t.Errorf("Expected UID 1 gone after expunge, got:\n%s", out)
	}
}
