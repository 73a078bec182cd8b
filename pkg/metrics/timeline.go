package metrics

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/voxarb/pkg/redact"
)

// TimelineObserver appends every event to a daily JSONL audit trail in dir.
type TimelineObserver struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, now: time.Now}
}

type timelineEntry struct {
	Time      time.Time         `json:"time"`
	Event     string            `json:"event"`
	RequestID string            `json:"request_id,omitempty"`
	Resource  string            `json:"resource,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
}

func (o *TimelineObserver) RecordEvent(ev MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	at := ev.Time
	if at.IsZero() {
		at = o.now()
	}
	entry := timelineEntry{
		Time:     at.UTC(),
		Event:    ev.Name,
		Resource: ev.Resource(),
		Fields:   sanitizeFields(ev.Fields),
	}
	if len(ev.Tags) > 0 {
		entry.RequestID = ev.Tags["request_id"]
		entry.Tags = make(map[string]string, len(ev.Tags))
		for k, v := range ev.Tags {
			if k == "request_id" || k == "resource" {
				continue
			}
			entry.Tags[k] = v
		}
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f := o.fileFor(entry.Time)
	if f == nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
}

// Path is the file events recorded at t go to.
func (o *TimelineObserver) Path(t time.Time) string {
	return filepath.Join(o.dir, "timeline-"+t.UTC().Format("20060102")+".jsonl")
}

// fileFor rotates at UTC midnight. Caller holds mu.
func (o *TimelineObserver) fileFor(t time.Time) *os.File {
	day := t.UTC().Format("20060102")
	if o.file != nil && o.day == day {
		return o.file
	}
	if o.file != nil {
		_ = o.file.Close()
		o.file = nil
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(o.Path(t), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.file, o.day = f, day
	return f
}

func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file == nil {
		return nil
	}
	err := o.file.Close()
	o.file = nil
	return err
}

func sanitizeFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = redact.Text(s)
			continue
		}
		out[k] = v
	}
	return out
}

// PurgeTimelines removes timeline files in dir older than maxAge and returns
// how many were deleted.
func PurgeTimelines(dir string, maxAge time.Duration) (int, error) {
	if dir == "" || maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var removed int
	var errs error
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "timeline-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}

var _ Observer = (*TimelineObserver)(nil)
