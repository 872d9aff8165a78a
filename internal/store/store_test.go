package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shipd/ship/internal/paths"
)

func newTestStore(t *testing.T, contextID string) *Store {
	t.Helper()
	s, err := New(paths.Layout{Root: t.TempDir()}, contextID)
	if err != nil {
		t.Fatal(err)
	}
	s.SetLockOptions(LockOptions{StaleAfter: 2 * time.Second, Backoff: 5 * time.Millisecond})
	return s
}

func userTurn(contextID, messageID, text string) Turn {
	return Turn{
		ID:    UserTurnID(contextID, messageID),
		Role:  RoleUser,
		Parts: []Part{TextPart(text)},
		Metadata: Metadata{
			V: 1, TS: time.Now().UnixMilli(), ContextID: contextID,
			Source: SourceIngress, Kind: KindNormal, MessageID: messageID,
		},
	}
}

func assistantTurn(contextID, text string) Turn {
	return Turn{
		ID:    AssistantTurnID(contextID),
		Role:  RoleAssistant,
		Parts: []Part{TextPart(text)},
		Metadata: Metadata{
			V: 1, TS: time.Now().UnixMilli(), ContextID: contextID,
			Source: SourceEgress, Kind: KindNormal, ActorID: "bot",
		},
	}
}

func TestAppendAndLoadAll(t *testing.T) {
	s := newTestStore(t, "ctx-append")

	if err := s.Append(userTurn("ctx-append", "m1", "hello")); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(assistantTurn("ctx-append", "hi there")); err != nil {
		t.Fatal(err)
	}

	turns, err := s.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0].Role != RoleUser || turns[0].FirstText() != "hello" {
		t.Fatalf("first turn = %+v", turns[0])
	}
	if turns[1].Role != RoleAssistant {
		t.Fatalf("second turn role = %s", turns[1].Role)
	}
}

func TestLoadSkipsMalformedLines(t *testing.T) {
	s := newTestStore(t, "ctx-malformed")
	if err := s.Append(userTurn("ctx-malformed", "m1", "ok")); err != nil {
		t.Fatal(err)
	}

	// Corrupt the file with garbage and an unrecognized role.
	f, err := os.OpenFile(s.messagesPath(), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("this is not json\n")
	f.WriteString(`{"id":"x","role":"system","parts":[{"type":"text","text":"nope"}],"metadata":{"v":1}}` + "\n")
	f.WriteString(`{"id":"y","role":"user","metadata":{"v":1}}` + "\n") // no parts
	f.Close()

	if err := s.Append(userTurn("ctx-malformed", "m2", "still ok")); err != nil {
		t.Fatal(err)
	}

	turns, err := s.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2 (malformed lines skipped)", len(turns))
	}
}

func TestAppendIfNewIsIdempotent(t *testing.T) {
	s := newTestStore(t, "ctx-idem")
	turn := userTurn("ctx-idem", "msg-42", "once")

	wrote, err := s.AppendIfNew(turn)
	if err != nil || !wrote {
		t.Fatalf("first append: wrote=%v err=%v", wrote, err)
	}
	wrote, err = s.AppendIfNew(turn)
	if err != nil {
		t.Fatal(err)
	}
	if wrote {
		t.Fatal("second append with same id should be a no-op")
	}

	turns, _ := s.LoadAll()
	if len(turns) != 1 {
		t.Fatalf("got %d turns, want 1", len(turns))
	}
}

func TestDeterministicUserTurnID(t *testing.T) {
	a := UserTurnID("ctx", "platform-7")
	b := UserTurnID("ctx", "platform-7")
	if a != b {
		t.Fatalf("ids differ: %s vs %s", a, b)
	}
	c := UserTurnID("ctx", "")
	d := UserTurnID("ctx", "")
	if c == d {
		t.Fatal("ids without message id should be unique")
	}
}

func TestLoadRange(t *testing.T) {
	s := newTestStore(t, "ctx-range")
	for i := 0; i < 5; i++ {
		if err := s.Append(userTurn("ctx-range", "", "msg")); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.LoadRange(1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("LoadRange(1,3) = %d turns", len(got))
	}
	got, err = s.LoadRange(-5, 99)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("clamped range = %d turns", len(got))
	}
}

func TestMetaAndPinnedSkills(t *testing.T) {
	s := newTestStore(t, "ctx-meta")

	m, err := s.LoadMeta()
	if err != nil {
		t.Fatal(err)
	}
	if m.V != 1 || m.ContextID != "ctx-meta" {
		t.Fatalf("fresh meta = %+v", m)
	}

	if err := s.AddPinnedSkillID("deploy"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddPinnedSkillID("deploy"); err != nil { // duplicate
		t.Fatal(err)
	}
	if err := s.AddPinnedSkillID("review"); err != nil {
		t.Fatal(err)
	}

	m, _ = s.LoadMeta()
	if len(m.PinnedSkillIDs) != 2 {
		t.Fatalf("pinned = %v", m.PinnedSkillIDs)
	}
	if m.UpdatedAt == 0 {
		t.Fatal("updatedAt not stamped")
	}

	if err := s.SetPinnedSkillIDs([]string{"review"}); err != nil {
		t.Fatal(err)
	}
	m, _ = s.LoadMeta()
	if len(m.PinnedSkillIDs) != 1 || m.PinnedSkillIDs[0] != "review" {
		t.Fatalf("pinned after set = %v", m.PinnedSkillIDs)
	}
}

func TestNewRejectsEmptyContextID(t *testing.T) {
	if _, err := New(paths.Layout{Root: t.TempDir()}, "  "); err == nil {
		t.Fatal("expected invalid context id error")
	}
}

func TestNewAtWritesOverrideDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "task", "nightly", "123", "messages")
	s, err := NewAt("task-run:nightly:123", dir)
	if err != nil {
		t.Fatal(err)
	}
	s.SetLockOptions(LockOptions{StaleAfter: time.Second, Backoff: 5 * time.Millisecond})
	if err := s.Append(userTurn("task-run:nightly:123", "", "run it")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, paths.MessagesFile)); err != nil {
		t.Fatalf("transcript not written in override dir: %v", err)
	}
}
