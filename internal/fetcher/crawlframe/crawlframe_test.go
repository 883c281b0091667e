package crawlframe

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"

	"github.com/ferozemohideen/harvester/internal/scraper"
)

const listingURL = "https://tech.example.edu/available"

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(http.StatusOK, body)
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	return httpmock.ResponderFromResponse(resp)
}

func newTestFetcher(t *testing.T, cfg Config, transport *httpmock.MockTransport) *Fetcher {
	t.Helper()
	f, err := New(cfg, WithTransport(transport))
	require.NoError(t, err)
	return f
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, listingURL,
		htmlResponder("<html><body><h1>Available Technologies</h1></body></html>"))

	f := newTestFetcher(t, Config{UserAgent: "harvester-test/1.0"}, transport)
	resp, err := f.Fetch(context.Background(), scraper.FetchRequest{URL: listingURL})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "Available Technologies")
	require.Equal(t, scraper.EngineCrawlFramework, resp.Engine)
	require.Equal(t, "text/html", resp.ContentType())
}

func TestFetchHeaderPropagation(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	var gotHeader string
	transport.RegisterResponder(http.MethodGet, listingURL,
		func(req *http.Request) (*http.Response, error) {
			gotHeader = req.Header.Get("X-Institution")
			return httpmock.NewStringResponse(http.StatusOK, "ok"), nil
		})

	f := newTestFetcher(t, Config{}, transport)
	_, err := f.Fetch(context.Background(), scraper.FetchRequest{
		URL:     listingURL,
		Headers: http.Header{"X-Institution": {"stanford"}},
	})
	require.NoError(t, err)
	require.Equal(t, "stanford", gotHeader)
}

func TestFetchNonSuccessStatusReturned(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusTooManyRequests, http.StatusForbidden, http.StatusServiceUnavailable} {
		transport := httpmock.NewMockTransport()
		transport.RegisterResponder(http.MethodGet, listingURL,
			httpmock.NewStringResponder(status, "denied"))

		f := newTestFetcher(t, Config{}, transport)
		resp, err := f.Fetch(context.Background(), scraper.FetchRequest{URL: listingURL})
		require.NoError(t, err, "status %d", status)
		require.Equal(t, status, resp.StatusCode)
	}
}

func TestFetchTransportError(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, listingURL,
		httpmock.NewErrorResponder(context.DeadlineExceeded))

	f := newTestFetcher(t, Config{}, transport)
	_, err := f.Fetch(context.Background(), scraper.FetchRequest{URL: listingURL})
	require.Error(t, err)
	require.Equal(t, scraper.ClassifyNetworkTimeout, scraper.ClassificationOf(err))
}

func TestFetchContextCancellation(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, listingURL,
		func(req *http.Request) (*http.Response, error) {
			time.Sleep(500 * time.Millisecond)
			return httpmock.NewStringResponse(http.StatusOK, "late"), nil
		})

	f := newTestFetcher(t, Config{}, transport)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, scraper.FetchRequest{URL: listingURL})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchIsolatedBetweenRequests(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, listingURL, htmlResponder("first"))
	transport.RegisterResponder(http.MethodGet, listingURL+"/2", htmlResponder("second"))

	f := newTestFetcher(t, Config{}, transport)

	first, err := f.Fetch(context.Background(), scraper.FetchRequest{URL: listingURL})
	require.NoError(t, err)
	second, err := f.Fetch(context.Background(), scraper.FetchRequest{URL: listingURL + "/2"})
	require.NoError(t, err)

	require.Equal(t, "first", string(first.Body))
	require.Equal(t, "second", string(second.Body))

	// Retries revisit the same URL; the collector must not refuse it.
	again, err := f.Fetch(context.Background(), scraper.FetchRequest{URL: listingURL})
	require.NoError(t, err)
	require.Equal(t, "first", string(again.Body))
}

func TestNewRejectsNegativeConcurrency(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxConcurrency: -1})
	require.Error(t, err)
}
