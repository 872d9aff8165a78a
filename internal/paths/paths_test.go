package paths

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestValidateContextID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"plain", "telegram:direct:12345", false},
		{"empty", "", true},
		{"whitespace", "   ", true},
		{"task run", "task-run:nightly-report:1724400000000", false},
		{"task run bad id", "task-run:-bad:1724400000000", true},
		{"task run missing ts", "task-run:nightly", true},
		{"task run bad ts", "task-run:nightly:soon", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContextID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateContextID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestTaskRunContextIDRoundTrip(t *testing.T) {
	ts := time.UnixMilli(1724400000000)
	id, err := TaskRunContextID("nightly_report", ts)
	if err != nil {
		t.Fatal(err)
	}
	taskID, gotTS, err := ParseTaskRunContextID(id)
	if err != nil {
		t.Fatal(err)
	}
	if taskID != "nightly_report" || gotTS != 1724400000000 {
		t.Fatalf("parsed (%q, %d)", taskID, gotTS)
	}

	if _, err := TaskRunContextID("bad id!", ts); err == nil {
		t.Fatal("expected error for invalid task id")
	}
	long := strings.Repeat("a", 65)
	if _, err := TaskRunContextID(long, ts); err == nil {
		t.Fatal("expected error for oversized task id")
	}
}

func TestLayoutEscapesContextID(t *testing.T) {
	l := Layout{Root: "/srv/bot"}
	dir := l.ContextMessagesDir("telegram:group:-100/42")
	if strings.Contains(filepath.Base(filepath.Dir(dir)), "/") {
		t.Fatalf("context dir leaked path separator: %s", dir)
	}
	if !strings.HasSuffix(dir, MessagesDir) {
		t.Fatalf("messages dir missing suffix: %s", dir)
	}
	if !strings.Contains(dir, filepath.Join(ShipDir, ContextDir)) {
		t.Fatalf("unexpected layout: %s", dir)
	}
}

func TestLayoutTaskRunDir(t *testing.T) {
	l := Layout{Root: "/srv/bot"}
	dir := l.ContextMessagesDir("task-run:nightly:1724400000000")
	want := filepath.Join("/srv/bot", ShipDir, "task", "nightly", "1724400000000", MessagesDir)
	if dir != want {
		t.Fatalf("task-run dir = %s, want %s", dir, want)
	}
}
