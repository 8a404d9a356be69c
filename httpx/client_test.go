package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/TheLab-ms/printerlink/errcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSRewrite(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://api.example.com", EnforceHTTPS: true})
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/x", c.url("/x"))

	// Schemeless hosts gain https too.
	c, err = NewClient(Config{BaseURL: "api.example.com", EnforceHTTPS: true})
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/x", c.url("/x"))
}

func TestTokenHeaders(t *testing.T) {
	var gotAuth, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotToken = r.Header.Get("X-Token")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, TokenHeader: "X-Token"})
	require.NoError(t, err)
	c.SetBearerSource(func() string { return "bearer-tok" })
	c.SetOpaqueTokenSource(func() string { return "opaque-tok" })

	resp, err := c.Get(context.Background(), "/info")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "Bearer bearer-tok", gotAuth)
	assert.Equal(t, "opaque-tok", gotToken)
}

func TestPutBinaryProgressAndCancel(t *testing.T) {
	received := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := io.Copy(io.Discard, r.Body)
		received += int(n)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("x"), 64*1024)

	// Happy path: progress observes the full length.
	var last int64
	resp, err := c.PutBinary(context.Background(), "/upload", bytes.NewReader(payload), int64(len(payload)), "", func(cur, total int64) bool {
		last = cur
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.EqualValues(t, len(payload), last)

	// Cancelling path: callback aborts partway through.
	_, err = c.PutBinary(context.Background(), "/upload", bytes.NewReader(payload), int64(len(payload)), "", func(cur, total int64) bool {
		return cur < int64(len(payload))/2
	})
	require.Error(t, err)
	assert.Equal(t, errcode.OperationCancelled, errcode.CodeOf(err))
}

func TestHeadContentLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "12345")
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	size, err := c.Head(context.Background(), "/file.gcode")
	require.NoError(t, err)
	assert.EqualValues(t, 12345, size)
}

func TestErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	resp, err := c.Get(context.Background(), "/whoami")
	require.NoError(t, err)
	assert.Equal(t, errcode.ServerUnauthorized, errcode.MapHTTPStatus(resp.Status))
}
