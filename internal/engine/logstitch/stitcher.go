// Package logstitch implements the deduplicating, monotonic follower over
// paged, possibly-overlapping log event streams (spec §4.3).
package logstitch

import "time"

// DefaultSafetyWindow is the amount the cursor is held back from a page's
// observed maximum timestamp, to tolerate events from the provider's log
// sink landing slightly out of order.
const DefaultSafetyWindow = 5 * time.Second

// Event is a single log record as returned by a provider driver's
// pollLogs, identified by an opaque, provider-assigned eventId.
type Event struct {
	EventID   string
	Timestamp time.Time
	Message   string
}

// Stitcher holds the cursor and recent-id dedup set spec §4.3 describes.
// A Stitcher is not safe for concurrent use from multiple goroutines without
// external synchronization — one Stitcher is owned by one poller.
type Stitcher struct {
	safetyWindow  time.Duration
	lastEventTime time.Time
	recent        map[string]time.Time
}

// New returns a Stitcher with the cursor at the zero time (i.e., no prior
// position) and an empty dedup set.
func New(safetyWindow time.Duration) *Stitcher {
	if safetyWindow <= 0 {
		safetyWindow = DefaultSafetyWindow
	}
	return &Stitcher{
		safetyWindow: safetyWindow,
		recent:       make(map[string]time.Time),
	}
}

// StartTime returns the current cursor, to be passed by the caller as the
// startTime filter on the next pollLogs call.
func (s *Stitcher) StartTime() time.Time {
	return s.lastEventTime
}

// Feed processes one page of (possibly overlapping with a previously fed
// page) events and returns the subset not yet seen, in the order given,
// deduplicated on EventID. It advances the cursor and prunes the dedup set
// per the algorithm in spec §4.3.
func (s *Stitcher) Feed(page []Event) []Event {
	if len(page) == 0 {
		return nil
	}

	fresh := make([]Event, 0, len(page))
	maxTimestamp := s.lastEventTime

	for _, ev := range page {
		if _, seen := s.recent[ev.EventID]; !seen {
			fresh = append(fresh, ev)
		}
		s.recent[ev.EventID] = ev.Timestamp
		if ev.Timestamp.After(maxTimestamp) {
			maxTimestamp = ev.Timestamp
		}
	}

	newCursor := maxTimestamp.Add(-s.safetyWindow)
	if newCursor.After(s.lastEventTime) {
		s.lastEventTime = newCursor
	}

	for id, ts := range s.recent {
		if ts.Before(s.lastEventTime) {
			delete(s.recent, id)
		}
	}

	return fresh
}
