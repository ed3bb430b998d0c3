package plugit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/plugitclient/backends"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeServer is a plug-in server whose handlers are set per test. It counts
// the requests it sees per path.
type fakeServer struct {
	*httptest.Server

	mu       sync.Mutex
	mux      *http.ServeMux
	requests map[string]int
	queries  []string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		mux:      http.NewServeMux(),
		requests: make(map[string]int),
	}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.requests[r.URL.Path]++
		fs.queries = append(fs.queries, r.URL.RawQuery)
		fs.mu.Unlock()
		fs.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) handle(pattern string, h http.HandlerFunc) {
	fs.mux.HandleFunc(pattern, h)
}

func (fs *fakeServer) count(path string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.requests[path]
}

func (fs *fakeServer) lastQuery() string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.queries) == 0 {
		return ""
	}
	return fs.queries[len(fs.queries)-1]
}

// newTestClient returns a client of fs whose cache and TTL math share clk.
func newTestClient(t *testing.T, fs *fakeServer, clk *testclock.Clock, opts ...Option) *Client {
	t.Helper()
	cache, err := backends.NewMemory(64, clk)
	require.NoError(t, err)
	opts = append([]Option{WithBackend(cache), WithClock(clk)}, opts...)
	c, err := New(context.Background(), fs.URL, opts...)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body))
}
