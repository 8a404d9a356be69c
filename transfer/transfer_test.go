package transfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/TheLab-ms/printerlink/biz"
	"github.com/TheLab-ms/printerlink/errcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.gcode")
	data := bytes.Repeat([]byte("G1 X10 Y10\n"), size/11+1)[:size]
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestTrackerSingleUploadPerPrinter(t *testing.T) {
	tr := NewTracker()
	op, err := tr.Begin("lan_a")
	require.NoError(t, err)

	_, err = tr.Begin("lan_a")
	assert.Equal(t, errcode.OperationInProgress, errcode.CodeOf(err))

	// Distinct printers are independent.
	opB, err := tr.Begin("lan_b")
	require.NoError(t, err)

	// Cancelling one printer's upload never touches the other's latch.
	require.True(t, tr.Cancel("lan_a"))
	assert.True(t, op.Cancelled())
	assert.False(t, opB.Cancelled())

	tr.Progress("lan_b", 37)
	st := tr.StateOf("lan_b")
	assert.Equal(t, State{Uploading: true, Progress: 37}, st)

	tr.End("lan_a")
	assert.False(t, tr.Cancel("lan_a"))
	_, err = tr.Begin("lan_a") // slot free again after End
	require.NoError(t, err)
}

func TestElegooChunkedUpload(t *testing.T) {
	var mu sync.Mutex
	type chunk struct {
		offset  int64
		size    int
		fileMD5 string
		uuid    string
	}
	var chunks []chunk
	var received bytes.Buffer

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/uploadFile/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(4<<20))
		file, _, err := r.FormFile("File")
		require.NoError(t, err)
		data, _ := io.ReadAll(file)

		// The printer verifies the per-chunk fingerprint.
		sum := md5.Sum(data)
		require.Equal(t, hex.EncodeToString(sum[:]), r.Header.Get("Check"))

		offset, _ := strconv.ParseInt(r.Header.Get("Offset"), 10, 64)
		mu.Lock()
		chunks = append(chunks, chunk{offset, len(data), r.Header.Get("S-File-MD5"), r.Header.Get("Uuid")})
		received.Write(data)
		mu.Unlock()
	}))
	defer srv.Close()

	path := writeTempFile(t, 2*elegooChunkSize+512) // 3 chunks
	e := NewElegooTransfer()
	e.SetAuthCredentials(map[string]string{"accessCode": "123456"})
	info := biz.PrinterInfo{PrinterID: "lan_x", Host: srv.URL, PrinterType: biz.ElegooFDMCC2}

	var lastPct int
	op := &Operation{}
	res, err := e.Upload(context.Background(), info, biz.FileUploadParams{PrinterID: "lan_x", LocalFilePath: path}, op, func(pct int) bool {
		lastPct = pct
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, "model.gcode", res.FileName)
	assert.Equal(t, 100, lastPct)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, chunks, 3)
	assert.EqualValues(t, 0, chunks[0].offset)
	assert.EqualValues(t, elegooChunkSize, chunks[1].offset)
	assert.Equal(t, 512, chunks[2].size)
	assert.Equal(t, chunks[0].uuid, chunks[2].uuid, "all chunks share the session uuid")
	assert.Equal(t, chunks[0].fileMD5, chunks[2].fileMD5)

	want, _ := os.ReadFile(path)
	assert.Equal(t, want, received.Bytes())
}

func TestElegooUploadCancelMidway(t *testing.T) {
	var mu sync.Mutex
	maxOffset := int64(-1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.ParseInt(r.Header.Get("Offset"), 10, 64)
		mu.Lock()
		if offset > maxOffset {
			maxOffset = offset
		}
		mu.Unlock()
		io.Copy(io.Discard, r.Body)
	}))
	defer srv.Close()

	path := writeTempFile(t, 5*elegooChunkSize)
	e := NewElegooTransfer()
	info := biz.PrinterInfo{PrinterID: "lan_x", Host: srv.URL, PrinterType: biz.ElegooFDMCC2}

	var observed []int
	op := &Operation{}
	_, err := e.Upload(context.Background(), info, biz.FileUploadParams{PrinterID: "lan_x", LocalFilePath: path}, op, func(pct int) bool {
		observed = append(observed, pct)
		return pct < 40 // cancel at 40%
	})
	require.Error(t, err)
	assert.Equal(t, errcode.OperationCancelled, errcode.CodeOf(err))

	for _, pct := range observed {
		assert.LessOrEqual(t, pct, 40, "no progress event may exceed the cancel point")
	}

	// The same printer can upload again afterwards.
	op2 := &Operation{}
	_, err = e.Upload(context.Background(), info, biz.FileUploadParams{PrinterID: "lan_x", LocalFilePath: writeTempFile(t, 100)}, op2, nil)
	require.NoError(t, err)
}

func TestMoonrakerSmallAndLargeUpload(t *testing.T) {
	var mu sync.Mutex
	var uploads []int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/server/files/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(16<<20))
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		n, _ := io.Copy(io.Discard, file)
		require.Equal(t, "gcodes", r.FormValue("root"))
		mu.Lock()
		uploads = append(uploads, n)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	m := NewMoonrakerTransfer()
	info := biz.PrinterInfo{PrinterID: "lan_voron", Host: srv.URL, PrinterType: biz.GenericFDMKlipper}

	small := writeTempFile(t, 1000)
	_, err := m.Upload(context.Background(), info, biz.FileUploadParams{PrinterID: "lan_voron", LocalFilePath: small}, &Operation{}, nil)
	require.NoError(t, err)

	large := writeTempFile(t, moonrakerLargeFileThreshold*3)
	var lastPct int
	_, err = m.Upload(context.Background(), info, biz.FileUploadParams{PrinterID: "lan_voron", LocalFilePath: large}, &Operation{}, func(pct int) bool {
		lastPct = pct
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 100, lastPct)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, uploads, 2)
	assert.EqualValues(t, 1000, uploads[0])
	assert.EqualValues(t, moonrakerLargeFileThreshold*3, uploads[1])
}

func TestDownloadWithCancelRemovesPartial(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 1<<20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		if r.Method == http.MethodHead {
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	m := NewMoonrakerTransfer()
	info := biz.PrinterInfo{PrinterID: "lan_voron", Host: srv.URL, PrinterType: biz.GenericFDMKlipper}
	local := filepath.Join(t.TempDir(), "out.gcode")

	// Happy path first.
	res, err := m.Download(context.Background(), info, biz.FileDownloadParams{RemoteFilePath: "/x.gcode", LocalFilePath: local}, &Operation{}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), res.Size)

	// Cancelled path deletes the partial file.
	local2 := filepath.Join(t.TempDir(), "out2.gcode")
	_, err = m.Download(context.Background(), info, biz.FileDownloadParams{RemoteFilePath: "/x.gcode", LocalFilePath: local2}, &Operation{}, func(pct int) bool {
		return pct < 10
	})
	require.Error(t, err)
	assert.Equal(t, errcode.OperationCancelled, errcode.CodeOf(err))
	_, statErr := os.Stat(local2)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadURLShapes(t *testing.T) {
	e := NewElegooTransfer()
	m := NewMoonrakerTransfer()
	elegoo := biz.PrinterInfo{Host: "192.168.1.50"}
	voron := biz.PrinterInfo{Host: "192.168.1.60:7125"}
	assert.Equal(t, "http://192.168.1.50/downloads/local/model.gcode", e.DownloadURL(elegoo, "/local/model.gcode"))
	assert.Equal(t, "http://192.168.1.60:7125/server/files/gcodes/model.gcode", m.DownloadURL(voron, "model.gcode"))
}

func TestForPrinterType(t *testing.T) {
	s, err := ForPrinterType(biz.ElegooFDMCC2)
	require.NoError(t, err)
	assert.Equal(t, "ELEGOO_CCS_HTTP_TRANSFER", s.Info())

	s, err = ForPrinterType(biz.GenericFDMKlipper)
	require.NoError(t, err)
	assert.Equal(t, "GENERIC_MOONRAKER_HTTP_TRANSFER", s.Info())

	_, err = ForPrinterType("NOPE")
	assert.Equal(t, errcode.InvalidParameter, errcode.CodeOf(err))
}
