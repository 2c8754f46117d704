package scraper

import "github.com/JakeFAU/crawlfleet/internal/fleet"

// BuildSimple returns the reduced status from one consistent snapshot. It does
// no I/O.
func (w *Worker) BuildSimple() fleet.ScraperStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

// BuildFull returns the status plus the machine state and the URLs processed
// by the current job.
func (w *Worker) BuildFull() fleet.FullStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	full := fleet.FullStatus{
		ScraperStatus: w.snapshotLocked(),
		State:         w.state.String(),
		ProcessedIDs:  []string{},
	}
	if w.job != nil {
		full.ProcessedIDs = append(full.ProcessedIDs, w.job.processedIDs...)
	}
	return full
}

func (w *Worker) snapshotLocked() fleet.ScraperStatus {
	status := fleet.ScraperStatus{
		Busy:           w.state == StateBusy,
		StatusDatetime: w.clock.Now().UTC(),
	}
	if j := w.job; j != nil {
		status.TargetURL = j.url
		status.LinkCount = j.linkCount
		status.ProcessedLinkCount = min(j.processed, j.linkCount)
		status.BadLinkCount = j.bad
	}
	return status
}
