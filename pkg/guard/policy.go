package guard

import (
	"time"

	"github.com/harunnryd/voxarb/pkg/params"
)

// CallerRecord is one throttle denial.
type CallerRecord struct {
	Package     string
	UID         int
	FirstSeenAt time.Time
}

func recordFor(caller params.CallerIdentity, now time.Time) CallerRecord {
	return CallerRecord{Package: caller.Package, UID: caller.UID, FirstSeenAt: now}
}

// Key is the blacklist identity of the record.
func (r CallerRecord) Key() string {
	return params.CallerIdentity{Package: r.Package, UID: r.UID}.Key()
}

// Policy decides when throttle denials amount to abuse.
type Policy interface {
	// Horizon is how long records are kept in the rolling abuse list.
	Horizon() time.Duration
	ShouldBlacklist(records []CallerRecord, caller CallerRecord, now time.Time) bool
}

// WindowPolicy blacklists a caller once it has Threshold denials within Window.
type WindowPolicy struct {
	Threshold int
	Window    time.Duration
}

// DefaultPolicy is ten denials in one minute.
func DefaultPolicy() WindowPolicy {
	return WindowPolicy{Threshold: 10, Window: time.Minute}
}

func (p WindowPolicy) Horizon() time.Duration {
	if p.Window <= 0 {
		return time.Minute
	}
	return p.Window
}

func (p WindowPolicy) ShouldBlacklist(records []CallerRecord, caller CallerRecord, now time.Time) bool {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = 10
	}
	since := now.Add(-p.Horizon())
	key := caller.Key()
	n := 0
	for _, r := range records {
		if r.Key() == key && !r.FirstSeenAt.Before(since) {
			n++
		}
	}
	return n >= threshold
}
