package fleet

import (
	"time"

	"github.com/JakeFAU/crawlfleet/internal/protocol"
)

// Role is the part a participant plays on the bus.
type Role string

// Participant roles.
const (
	RoleDispatcher Role = "dispatcher"
	RoleScraper    Role = "scraper"
)

// Participant identifies one process on the bus.
type Participant struct {
	ID   string
	Role Role
}

// CrawlTarget is a URL the dispatcher hands out on a schedule.
type CrawlTarget struct {
	URL       string
	Frequency time.Duration
	// LastDispatchedAt is zero when the target was never dispatched.
	LastDispatchedAt time.Time
	Payload          map[string]any
	LastResult       *protocol.ResultSummary
	LastWorker       string
}

// NeverDispatched reports whether the target has no dispatch stamp.
func (t CrawlTarget) NeverDispatched() bool {
	return t.LastDispatchedAt.IsZero()
}

// Due reports whether the target may be dispatched at now.
func (t CrawlTarget) Due(now time.Time) bool {
	return t.NeverDispatched() || now.Sub(t.LastDispatchedAt) >= t.Frequency
}

// Clone returns a copy that shares nothing mutable with t.
func (t CrawlTarget) Clone() CrawlTarget {
	out := t
	if t.Payload != nil {
		out.Payload = protocol.Message(t.Payload).Clone()
	}
	if t.LastResult != nil {
		r := *t.LastResult
		out.LastResult = &r
	}
	return out
}

// WorkerRecord is the dispatcher's view of one scraper.
type WorkerRecord struct {
	WorkerID            string
	LastSeenAvailableAt time.Time
	// Busy is set when a url_dispatch is sent and cleared by scraper_finished
	// or a fresh scraper_available.
	Busy    bool
	BusyURL string
}

// Live reports whether the record is inside the liveness window at now.
func (w WorkerRecord) Live(now time.Time, window time.Duration) bool {
	return now.Sub(w.LastSeenAvailableAt) <= window
}

// ScraperStatus is the reduced status snapshot of a scraper.
type ScraperStatus struct {
	Busy               bool
	LinkCount          int
	ProcessedLinkCount int
	BadLinkCount       int
	TargetURL          string
	StatusDatetime     time.Time
}

// Report renders the snapshot as a status_report payload.
func (s ScraperStatus) Report() protocol.StatusReport {
	return protocol.StatusReport{
		Busy:               s.Busy,
		LinkCount:          s.LinkCount,
		ProcessedLinkCount: s.ProcessedLinkCount,
		BadLinkCount:       s.BadLinkCount,
		TargetURL:          s.TargetURL,
		StatusDatetime:     s.StatusDatetime,
	}
}

// FullStatus extends ScraperStatus with the machine state and the processed
// URLs of the current job.
type FullStatus struct {
	ScraperStatus
	State        string
	ProcessedIDs []string
}

// Report renders the snapshot as a full status_report payload.
func (s FullStatus) Report() protocol.StatusReport {
	r := s.ScraperStatus.Report()
	r.Full = true
	r.State = s.State
	r.ProcessedIDs = append([]string(nil), s.ProcessedIDs...)
	return r
}

// FetchRequest is one crawl job handed to the fetch pipeline.
type FetchRequest struct {
	URL     string
	Payload map[string]any
}

// StatusRecord is the latest status_report a dispatcher holds for a worker.
type StatusRecord struct {
	WorkerID   string
	Report     protocol.StatusReport
	ReceivedAt time.Time
}
