package plugit

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/plugitclient/pkg/metrics"
)

func TestDoActionClassification(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		status  int
		body    string
		want    ActionResult
	}{
		{
			name: "json",
			body: `{"items":[1,2]}`,
			want: &JSONResult{Value: map[string]any{"items": []any{float64(1), float64(2)}}},
		},
		{
			name: "empty object",
			body: `{}`,
			want: &JSONResult{Value: map[string]any{}},
		},
		{
			name: "json list",
			body: `["a"]`,
			want: &JSONResult{Value: []any{"a"}},
		},
		{
			name: "null body",
			body: `null`,
		},
		{
			name: "malformed json",
			body: `{"items":`,
		},
		{
			name:    "redirect",
			headers: map[string]string{HeaderRedirect: "/done"},
			body:    `{}`,
			want:    &RedirectResult{URL: "/done"},
		},
		{
			name:    "redirect without prefix",
			headers: map[string]string{HeaderRedirect: "http://elsewhere", HeaderRedirectNoPrefix: "True"},
			want:    &RedirectResult{URL: "http://elsewhere", NoPrefix: true},
		},
		{
			name:    "redirect no prefix must be exactly True",
			headers: map[string]string{HeaderRedirect: "/x", HeaderRedirectNoPrefix: "true"},
			want:    &RedirectResult{URL: "/x"},
		},
		{
			name:    "redirect wins over file",
			headers: map[string]string{HeaderRedirect: "/x", HeaderItAFile: "True", "Content-Type": "text/csv"},
			body:    "a,b",
			want:    &RedirectResult{URL: "/x"},
		},
		{
			name: "file",
			headers: map[string]string{
				HeaderItAFile:         "True",
				"Content-Type":        "text/csv",
				"Content-Disposition": `attachment; filename="report.csv"`,
			},
			body: "a,b\n1,2\n",
			want: &FileResult{
				Content:            []byte("a,b\n1,2\n"),
				ContentType:        "text/csv",
				ContentDisposition: `attachment; filename="report.csv"`,
			},
		},
		{
			name:    "file without disposition",
			headers: map[string]string{HeaderItAFile: "1", "Content-Type": "image/png"},
			body:    "\x89PNG",
			want:    &FileResult{Content: []byte("\x89PNG"), ContentType: "image/png"},
		},
		{
			name:    "non-200 ignores everything",
			status:  http.StatusForbidden,
			headers: map[string]string{HeaderRedirect: "/x"},
			body:    `{"error":"nope"}`,
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `{}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeServer(t)
			fs.handle("/action/do", func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				if tt.status != 0 {
					w.WriteHeader(tt.status)
				}
				w.Write([]byte(tt.body))
			})
			c := newTestClient(t, fs, testclock.NewClock(epoch))

			got, err := c.DoAction(context.Background(), "do", Request{})
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDoActionSendsQueryAndForm(t *testing.T) {
	fs := newFakeServer(t)
	var (
		gotMethod string
		gotForm   url.Values
		gotQuery  url.Values
	)
	fs.handle("/action/save", func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotQuery = r.URL.Query()
		assert.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		writeJSON(w, `{"saved":true}`)
	})
	c := newTestClient(t, fs, testclock.NewClock(epoch))

	got, err := c.DoAction(context.Background(), "save?id=3", Request{
		Method: "post",
		Query:  url.Values{"page": {"2"}},
		Form:   url.Values{"tags": {"a", "b"}, "name": {"n"}},
	})
	require.NoError(t, err)
	assert.Equal(t, &JSONResult{Value: map[string]any{"saved": true}}, got)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "3", gotQuery.Get("id"))
	assert.Equal(t, "2", gotQuery.Get("page"))
	assert.Equal(t, []string{"a", "b"}, gotForm["tags"])
	assert.Equal(t, "n", gotForm.Get("name"))
}

func TestDoActionOtherVerbs(t *testing.T) {
	fs := newFakeServer(t)
	var gotMethod string
	fs.handle("/action/item", func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		writeJSON(w, `{}`)
	})
	c := newTestClient(t, fs, testclock.NewClock(epoch))

	_, err := c.DoAction(context.Background(), "item", Request{Method: http.MethodDelete})
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, gotMethod)
}

func TestDoActionTransportError(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs, testclock.NewClock(epoch))
	fs.Close()

	got, err := c.DoAction(context.Background(), "do", Request{})
	assert.Nil(t, got)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.MethodGet, te.Method)
	assert.Contains(t, te.URL, "/action/do")
}

func TestDoActionRecordsLatency(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("/action/do", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, `{}`)
	})
	tracker := metrics.NewLatencyTracker(0.01)
	c := newTestClient(t, fs, testclock.NewClock(epoch), WithLatencyTracker(tracker))

	_, err := c.DoAction(context.Background(), "do", Request{})
	require.NoError(t, err)

	stats, err := tracker.GetStats(metrics.OpAction)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Count)
}

func TestGetMedia(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("/media/logo.png", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	})
	c := newTestClient(t, fs, testclock.NewClock(epoch))
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		media, err := c.GetMedia(ctx, "logo.png")
		require.NoError(t, err)
		require.NotNil(t, media)
		assert.Equal(t, "png-bytes", string(media.Content))
		assert.Equal(t, "image/png", media.ContentType)
		assert.Equal(t, i, fs.count("/media/logo.png"), "media is never cached")
	}

	media, err := c.GetMedia(ctx, "missing.png")
	require.NoError(t, err)
	assert.Nil(t, media)
}

func TestNewMail(t *testing.T) {
	fs := newFakeServer(t)
	var form url.Values
	fs.handle("/mail", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		form = r.PostForm
		writeJSON(w, `{"result":"Ok"}`)
	})
	c := newTestClient(t, fs, testclock.NewClock(epoch))

	ok, err := c.NewMail(context.Background(), "42", "hello")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "42", form.Get("response_id"))
	assert.Equal(t, "hello", form.Get("message"))
}

func TestNewMailRejected(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("/mail", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, `{"result":"Error"}`)
	})
	c := newTestClient(t, fs, testclock.NewClock(epoch))

	ok, err := c.NewMail(context.Background(), "42", "hello")
	require.NoError(t, err)
	assert.False(t, ok)
}
