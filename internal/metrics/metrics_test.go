package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"http://shop.example/path":    "shop.example",
		"https://Shop.Example/path":   "shop.example",
		"shop.example/path":           "shop.example",
		"shop.example:8080":           "shop.example",
		"http://127.0.0.1:53211/page": "127.0.0.1",
		"http://%":                    "unknown",
		"":                            "unknown",
	}
	for in, want := range cases {
		require.Equal(t, want, SanitizeSite(in), in)
	}
}

func TestObserversDoNotPanic(t *testing.T) {
	ObservePublished("scraper_available")
	ObserveDropped("decode")
	ObserveRobotsFallback("shop.example", "timeout")
	ObserveRateLimitDelay("shop.example", time.Second)
}

func TestFleetCounters(t *testing.T) {
	Init()
	Init()

	require.NotNil(t, envelopesPublishedTotal)
	require.NotNil(t, dispatchesTotal)
	require.NotNil(t, liveWorkers)

	before := testutil.ToFloat64(dispatchesTotal.WithLabelValues("rolled_back"))
	ObserveDispatch("rolled_back")
	require.Equal(t, before+1, testutil.ToFloat64(dispatchesTotal.WithLabelValues("rolled_back")))

	before = testutil.ToFloat64(envelopesPublishedTotal.WithLabelValues("url_dispatch"))
	ObservePublished("url_dispatch")
	ObservePublished("url_dispatch")
	require.Equal(t, before+2, testutil.ToFloat64(envelopesPublishedTotal.WithLabelValues("url_dispatch")))

	before = testutil.ToFloat64(robotsFallbacksTotal.WithLabelValues("shop.example", "timeout"))
	ObserveRobotsFallback("https://Shop.Example", "timeout")
	require.Equal(t, before+1, testutil.ToFloat64(robotsFallbacksTotal.WithLabelValues("shop.example", "timeout")))

	SetLiveWorkers(3)
	require.Equal(t, float64(3), testutil.ToFloat64(liveWorkers))
}

func FuzzSanitizeSite(f *testing.F) {
	for _, seed := range []string{"http://shop.example", "https://a.example/x?y=1", "ftp://b.example", ""} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, raw string) {
		if SanitizeSite(raw) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", raw)
		}
	})
}
