package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/TheLab-ms/printerlink/errcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, baseURL string) *api {
	t.Helper()
	a, err := newAPI(Config{BaseAPIURL: baseURL, insecureAPI: true}, &credentialCache{})
	require.NoError(t, err)
	return a
}

func TestUploadFileMultipart(t *testing.T) {
	var mu sync.Mutex
	var partSizes []int64
	var partNumbers []int
	var received bytes.Buffer
	completed := false

	mux := http.NewServeMux()
	envelope := func(w http.ResponseWriter, data any) {
		js, _ := json.Marshal(data)
		json.NewEncoder(w).Encode(apiEnvelope{Code: 0, Message: "ok", Data: js})
	}
	mux.HandleFunc("/api/v1/file/multipart/init", func(w http.ResponseWriter, r *http.Request) {
		envelope(w, map[string]string{"uploadId": "up-1"})
	})
	mux.HandleFunc("/api/v1/file/multipart/part", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "up-1", r.URL.Query().Get("uploadId"))
		num, _ := strconv.Atoi(r.URL.Query().Get("partNumber"))
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		partNumbers = append(partNumbers, num)
		partSizes = append(partSizes, int64(len(data)))
		received.Write(data)
		mu.Unlock()
	})
	mux.HandleFunc("/api/v1/file/multipart/complete", func(w http.ResponseWriter, r *http.Request) {
		completed = true
		envelope(w, map[string]string{"key": "store/part.gcode"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := newTestAPI(t, srv.URL)
	payload := bytes.Repeat([]byte("g"), 2*1024+512) // 3 parts of at most 1 KB

	var last int64
	key, err := a.uploadFileMultipart(context.Background(), "part.gcode", bytes.NewReader(payload), int64(len(payload)), 1024, func(current, total int64) bool {
		last = current
		assert.EqualValues(t, len(payload), total)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, "store/part.gcode", key)
	assert.True(t, completed)
	assert.EqualValues(t, len(payload), last, "progress is cumulative across parts")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, partNumbers)
	assert.Equal(t, []int64{1024, 1024, 512}, partSizes)
	assert.Equal(t, payload, received.Bytes())
}

func TestUploadFileMultipartCancel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/file/multipart/init", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiEnvelope{Code: 0, Message: "ok", Data: json.RawMessage(`{"uploadId":"up-2"}`)})
	})
	mux.HandleFunc("/api/v1/file/multipart/part", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := newTestAPI(t, srv.URL)
	payload := bytes.Repeat([]byte("g"), 8*1024)

	_, err := a.uploadFileMultipart(context.Background(), "part.gcode", bytes.NewReader(payload), int64(len(payload)), 1024, func(current, total int64) bool {
		return current < total/2 // cancel midway
	})
	require.Error(t, err)
	assert.Equal(t, errcode.OperationCancelled, errcode.CodeOf(err))
}
