package plugit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoPing(w http.ResponseWriter, r *http.Request) {
	body, _ := json.Marshal(map[string]string{"data": r.URL.Query().Get("data")})
	writeJSON(w, string(body))
}

func okVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, `{"result":"Ok","version":"1","protocol":"EBUio-PlugIt"}`)
}

func TestRandomToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		token, err := randomToken(pingTokenLength)
		require.NoError(t, err)
		require.Len(t, token, 32)
		for _, r := range token {
			assert.Contains(t, pingTokenAlphabet, string(r))
		}
		seen[token] = true
	}
	assert.Len(t, seen, 50, "tokens should not repeat")
}

func TestPing(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    bool
	}{
		{name: "echo", handler: echoPing, want: true},
		{
			name: "fixed value",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, `{"data":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"}`)
			},
		},
		{
			name: "truncated",
			handler: func(w http.ResponseWriter, r *http.Request) {
				body, _ := json.Marshal(map[string]string{"data": r.URL.Query().Get("data")[:16]})
				writeJSON(w, string(body))
			},
		},
		{
			name: "not 200",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				echoPing(w, r)
			},
		},
		{
			name: "not json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte("pong"))
			},
		},
		{
			name: "non-string data",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, `{"data":42}`)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeServer(t)
			fs.handle("/ping", tt.handler)
			c := newTestClient(t, fs, testclock.NewClock(epoch))

			ok, err := c.Ping(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.Equal(t, 1, fs.count("/ping"))
		})
	}
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		want   bool
	}{
		{name: "match", body: `{"result":"Ok","version":"1","protocol":"EBUio-PlugIt"}`, want: true},
		{name: "wrong result", body: `{"result":"Error","version":"1","protocol":"EBUio-PlugIt"}`},
		{name: "wrong version", body: `{"result":"Ok","version":"2","protocol":"EBUio-PlugIt"}`},
		{name: "numeric version", body: `{"result":"Ok","version":1,"protocol":"EBUio-PlugIt"}`},
		{name: "wrong protocol", body: `{"result":"Ok","version":"1","protocol":"PlugIt"}`},
		{name: "missing field", body: `{"result":"Ok","version":"1"}`},
		{name: "not 200", body: `{"result":"Ok","version":"1","protocol":"EBUio-PlugIt"}`, status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeServer(t)
			fs.handle("/version", func(w http.ResponseWriter, _ *http.Request) {
				if tt.status != 0 {
					w.WriteHeader(tt.status)
				}
				w.Write([]byte(tt.body))
			})
			c := newTestClient(t, fs, testclock.NewClock(epoch))

			ok, err := c.CheckVersion(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestNewWithVerify(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("/ping", echoPing)
	fs.handle("/version", okVersion)

	c, err := New(context.Background(), fs.URL, WithVerify(true))
	require.NoError(t, err)
	assert.Equal(t, fs.URL, c.BaseURI())
	assert.Equal(t, 1, fs.count("/ping"))
	assert.Equal(t, 1, fs.count("/version"))
}

func TestNewWithVerifyFailsOnBadVersion(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("/ping", echoPing)
	fs.handle("/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, `{"result":"Ok","version":"0","protocol":"EBUio-PlugIt"}`)
	})

	_, err := New(context.Background(), fs.URL, WithVerify(true))
	var setupErr *SetupError
	require.True(t, errors.As(err, &setupErr), "expected SetupError, got %v", err)
	assert.Contains(t, setupErr.Reason, "version")
}

func TestNewWithVerifyFailsOnBadPing(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	fs.handle("/version", okVersion)

	_, err := New(context.Background(), fs.URL, WithVerify(true))
	var setupErr *SetupError
	require.True(t, errors.As(err, &setupErr), "expected SetupError, got %v", err)
	assert.Contains(t, setupErr.Reason, "ping")
	assert.Equal(t, 0, fs.count("/version"), "version is not checked after a failed ping")
}

func TestNewWithVerifyUnreachable(t *testing.T) {
	fs := newFakeServer(t)
	url := fs.URL
	fs.Close()

	_, err := New(context.Background(), url, WithVerify(true))
	var setupErr *SetupError
	require.True(t, errors.As(err, &setupErr), "expected SetupError, got %v", err)
	assert.True(t, IsTransportError(err))
}

func TestNewWithoutVerifyDoesNotContactServer(t *testing.T) {
	fs := newFakeServer(t)
	_, err := New(context.Background(), fs.URL)
	require.NoError(t, err)
	assert.Equal(t, 0, fs.count("/ping"))
}

func TestNamespace(t *testing.T) {
	a := Namespace("http://a.example")
	b := Namespace("http://b.example")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Namespace("http://a.example"))
	// md5 of the address, hex encoded
	assert.Equal(t, "plugit-d41d8cd98f00b204e9800998ecf8427e", Namespace(""))
}
