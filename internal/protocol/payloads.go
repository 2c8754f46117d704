package protocol

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// URLDispatch is the url_dispatch payload.
type URLDispatch struct {
	URL       string
	Frequency time.Duration
	Payload   map[string]any
}

// Message renders the wire form. Frequency travels as seconds.
func (d URLDispatch) Message() map[string]any {
	payload := d.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"url":       d.URL,
		"frequency": d.Frequency.Seconds(),
		"payload":   payload,
	}
}

// ParseURLDispatch reads a url_dispatch message.
func ParseURLDispatch(m Message) (URLDispatch, error) {
	url, err := stringField(m, "url", true)
	if err != nil {
		return URLDispatch{}, err
	}
	if url == "" {
		return URLDispatch{}, errors.New("url must not be empty")
	}
	seconds, err := numberField(m, "frequency")
	if err != nil {
		return URLDispatch{}, err
	}
	payload, err := mapField(m, "payload")
	if err != nil {
		return URLDispatch{}, err
	}
	return URLDispatch{
		URL:       url,
		Frequency: time.Duration(seconds * float64(time.Second)),
		Payload:   payload,
	}, nil
}

// ResultSummary describes how a crawl job ended.
type ResultSummary struct {
	Success            bool
	LinkCount          int
	ProcessedLinkCount int
	BadLinkCount       int
	Error              string
}

// Message renders the wire form.
func (r ResultSummary) Message() map[string]any {
	out := map[string]any{
		"success":              r.Success,
		"link_count":           r.LinkCount,
		"processed_link_count": r.ProcessedLinkCount,
		"bad_link_count":       r.BadLinkCount,
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	return out
}

// ParseResultSummary reads a result_summary map.
func ParseResultSummary(m map[string]any) (ResultSummary, error) {
	var (
		r   ResultSummary
		err error
	)
	if r.Success, err = boolField(m, "success"); err != nil {
		return ResultSummary{}, err
	}
	if r.LinkCount, err = countField(m, "link_count"); err != nil {
		return ResultSummary{}, err
	}
	if r.ProcessedLinkCount, err = countField(m, "processed_link_count"); err != nil {
		return ResultSummary{}, err
	}
	if r.BadLinkCount, err = countField(m, "bad_link_count"); err != nil {
		return ResultSummary{}, err
	}
	if r.Error, err = stringField(m, "error", false); err != nil {
		return ResultSummary{}, err
	}
	return r, nil
}

// ScraperFinished is the scraper_finished payload.
type ScraperFinished struct {
	URL    string
	Result ResultSummary
}

// Message renders the wire form.
func (f ScraperFinished) Message() map[string]any {
	return map[string]any{
		"url":            f.URL,
		"result_summary": f.Result.Message(),
	}
}

// ParseScraperFinished reads a scraper_finished message.
func ParseScraperFinished(m Message) (ScraperFinished, error) {
	url, err := stringField(m, "url", true)
	if err != nil {
		return ScraperFinished{}, err
	}
	raw, ok := m["result_summary"].(map[string]any)
	if !ok {
		return ScraperFinished{}, errors.New("result_summary must be an object")
	}
	summary, err := ParseResultSummary(raw)
	if err != nil {
		return ScraperFinished{}, fmt.Errorf("result_summary: %w", err)
	}
	return ScraperFinished{URL: url, Result: summary}, nil
}

// StatusReport is the status_report payload answering get_status and
// get_status_simple. State and ProcessedIDs are only present when Full is set.
type StatusReport struct {
	Busy               bool
	LinkCount          int
	ProcessedLinkCount int
	BadLinkCount       int
	TargetURL          string
	StatusDatetime     time.Time
	Full               bool
	State              string
	ProcessedIDs       []string
}

// Message renders the wire form. Timestamps travel as RFC 3339 strings.
func (s StatusReport) Message() map[string]any {
	out := map[string]any{
		"busy":                 s.Busy,
		"link_count":           s.LinkCount,
		"processed_link_count": s.ProcessedLinkCount,
		"bad_link_count":       s.BadLinkCount,
		"target_url":           s.TargetURL,
		"status_datetime":      s.StatusDatetime.UTC().Format(time.RFC3339Nano),
		"full":                 s.Full,
	}
	if s.Full {
		ids := make([]any, len(s.ProcessedIDs))
		for i, id := range s.ProcessedIDs {
			ids[i] = id
		}
		out["state"] = s.State
		out["processed_ids"] = ids
	}
	return out
}

// ParseStatusReport reads a status_report message.
func ParseStatusReport(m Message) (StatusReport, error) {
	var (
		s   StatusReport
		err error
	)
	if s.Busy, err = boolField(m, "busy"); err != nil {
		return StatusReport{}, err
	}
	if s.LinkCount, err = countField(m, "link_count"); err != nil {
		return StatusReport{}, err
	}
	if s.ProcessedLinkCount, err = countField(m, "processed_link_count"); err != nil {
		return StatusReport{}, err
	}
	if s.BadLinkCount, err = countField(m, "bad_link_count"); err != nil {
		return StatusReport{}, err
	}
	if s.TargetURL, err = stringField(m, "target_url", true); err != nil {
		return StatusReport{}, err
	}
	raw, err := stringField(m, "status_datetime", true)
	if err != nil {
		return StatusReport{}, err
	}
	if s.StatusDatetime, err = time.Parse(time.RFC3339Nano, raw); err != nil {
		return StatusReport{}, fmt.Errorf("status_datetime: %w", err)
	}
	if s.Full, err = boolField(m, "full"); err != nil {
		return StatusReport{}, err
	}
	if !s.Full {
		return s, nil
	}
	if s.State, err = stringField(m, "state", false); err != nil {
		return StatusReport{}, err
	}
	if rawIDs, ok := m["processed_ids"]; ok && rawIDs != nil {
		list, ok := rawIDs.([]any)
		if !ok {
			return StatusReport{}, errors.New("processed_ids must be a list")
		}
		s.ProcessedIDs = make([]string, 0, len(list))
		for i, v := range list {
			id, ok := v.(string)
			if !ok {
				return StatusReport{}, fmt.Errorf("processed_ids[%d] must be a string", i)
			}
			s.ProcessedIDs = append(s.ProcessedIDs, id)
		}
	}
	return s, nil
}

// NewURLDispatchEnvelope addresses a url_dispatch to one worker.
func NewURLDispatchEnvelope(sourceID, workerID string, d URLDispatch) (Envelope, error) {
	return NewEnvelope(CmdURLDispatch, sourceID, workerID, d.Message())
}

// NewScraperFinishedEnvelope broadcasts a job completion.
func NewScraperFinishedEnvelope(sourceID string, f ScraperFinished) (Envelope, error) {
	return NewEnvelope(CmdScraperFinished, sourceID, Broadcast, f.Message())
}

// NewStatusReportEnvelope answers the requester with a status snapshot.
func NewStatusReportEnvelope(sourceID, requesterID string, s StatusReport) (Envelope, error) {
	return NewEnvelope(CmdStatusReport, sourceID, requesterID, s.Message())
}

// NewSignal builds an envelope for a command without payload.
func NewSignal(command Command, sourceID, destinationID string) (Envelope, error) {
	return NewEnvelope(command, sourceID, destinationID, nil)
}

func stringField(m map[string]any, key string, required bool) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("%s is required", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return s, nil
}

func boolField(m map[string]any, key string) (bool, error) {
	v, ok := m[key]
	if !ok {
		return false, fmt.Errorf("%s is required", key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s must be a boolean", key)
	}
	return b, nil
}

func numberField(m map[string]any, key string) (float64, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("%s is required", key)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("%s must be a number", key)
	}
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%s must be a finite number >= 0", key)
	}
	return f, nil
}

func countField(m map[string]any, key string) (int, error) {
	f, err := numberField(m, key)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return int(f), nil
}

func mapField(m map[string]any, key string) (map[string]any, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return map[string]any{}, nil
	}
	out, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object", key)
	}
	return out, nil
}
