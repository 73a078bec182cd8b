package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/voxarb/pkg/redact"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	redact.SetEnabled(true)
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	at := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	obs.RecordEvent(MetricsEvent{
		Name:   EventSpeechDispatched,
		Time:   at,
		Tags:   map[string]string{"resource": "speech", "provider": "mock", "request_id": "r1"},
		Fields: map[string]any{"note": "mail me at jane@example.com"},
	})
	obs.RecordEvent(MetricsEvent{Name: EventStatusMonitorFired, Time: at.Add(2 * time.Minute)})
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(obs.Path(at))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatalf("expected a line")
	}
	var entry map[string]any
	if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["event"] != EventSpeechDispatched || entry["request_id"] != "r1" || entry["resource"] != "speech" {
		t.Fatalf("unexpected entry %v", entry)
	}
	fields := entry["fields"].(map[string]any)
	if fields["note"] == "mail me at jane@example.com" {
		t.Fatalf("expected redacted field, got %v", fields["note"])
	}
	if sc.Scan() {
		t.Fatalf("next-day event should rotate to a new file")
	}
	if _, err := os.Stat(obs.Path(at.Add(2 * time.Minute))); err != nil {
		t.Fatalf("expected rotated file: %v", err)
	}
}

func TestPurgeTimelines(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "timeline-20200101.jsonl")
	keep := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, keep} {
		if err := os.WriteFile(p, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		past := time.Now().Add(-72 * time.Hour)
		if err := os.Chtimes(p, past, past); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	n, err := PurgeTimelines(dir, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected one purge, got %d %v", n, err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("non-timeline file removed: %v", err)
	}
	if n, err := PurgeTimelines(filepath.Join(dir, "missing"), time.Hour); n != 0 || err != nil {
		t.Fatalf("missing dir should be a no-op, got %d %v", n, err)
	}
}
