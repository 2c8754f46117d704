package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/crawlfleet/internal/metrics"
)

// Reasons a robots.txt probe gave up and allowed everything.
const (
	fallbackTimeout      = "timeout"
	fallbackTLSHandshake = "tls handshake timeout"
)

const allowAllRobots = "User-agent: *\nAllow: /"

var defaultProbeBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsProbe is the transport of one crawl job. Page requests pass straight
// through; robots.txt requests are retried on timeouts and, once the backoff
// schedule is spent, answered with an allow-all file so a flaky host does not
// fail the whole job.
type robotsProbe struct {
	base    http.RoundTripper
	backoff []time.Duration

	mu        sync.Mutex
	fallbacks map[string]string
}

func newRobotsProbe(base http.RoundTripper, backoff []time.Duration) *robotsProbe {
	return &robotsProbe{
		base:      base,
		backoff:   backoff,
		fallbacks: make(map[string]string),
	}
}

// RoundTrip implements http.RoundTripper.
func (p *robotsProbe) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots probe: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := p.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, err)
		}
		return resp, nil
	}

	for attempt := 0; ; attempt++ {
		resp, err := p.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		reason, transient := classifyProbeError(err)
		if !transient {
			return nil, fmt.Errorf("robots probe %s: %w", req.URL.Host, err)
		}
		if attempt >= len(p.backoff) {
			p.recordFallback(req.URL.Host, reason)
			return allowAllResponse(req), nil
		}
		if err := sleepCtx(req.Context(), p.backoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots probe %s: %w", req.URL.Host, err)
		}
	}
}

func (p *robotsProbe) recordFallback(host, reason string) {
	p.mu.Lock()
	_, seen := p.fallbacks[host]
	if !seen {
		p.fallbacks[host] = reason
	}
	p.mu.Unlock()
	if !seen {
		metrics.ObserveRobotsFallback(host, reason)
	}
}

// Fallbacks returns the hosts whose robots.txt was replaced by allow-all,
// sorted by host, with the reason for each.
func (p *robotsProbe) Fallbacks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.fallbacks))
	for host, reason := range p.fallbacks {
		out = append(out, host+": "+reason)
	}
	sort.Strings(out)
	return out
}

func classifyProbeError(err error) (string, bool) {
	if strings.Contains(err.Error(), "tls: handshake timeout") {
		return fallbackTLSHandshake, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fallbackTimeout, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fallbackTimeout, true
	}
	return "", false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Request:       req,
	}
}
