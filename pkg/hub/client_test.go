package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonblokz/probe/pkg/logbuf"
)

func TestUploadSendsIdentityHeadersAndBody(t *testing.T) {
	var got struct {
		Logs []logbuf.Entry `json:"logs"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/update", r.URL.Path)
		assert.Equal(t, "node-7", r.Header.Get(HeaderNodeID))
		assert.Equal(t, "secret", r.Header.Get(HeaderAPIKey))
		assert.NotEmpty(t, r.Header.Get(HeaderRequestID))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`[{"command":"set_filter","value":"x"}]`))
	}))
	defer srv.Close()

	c := NewClient(Config{ServerURL: srv.URL + "/", NodeID: "node-7", APIKey: "secret"})
	body, err := c.Upload(context.Background(), []logbuf.Entry{{Timestamp: "t1", Message: "[INFO] a"}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"command":"set_filter","value":"x"}]`, string(body))
	require.Len(t, got.Logs, 1)
	assert.Equal(t, "[INFO] a", got.Logs[0].Message)
}

func TestUploadEmptyBatchSendsEmptyArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"logs":[]}`, string(data))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	body, err := NewClient(Config{ServerURL: srv.URL}).Upload(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestUploadGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		data, err := io.ReadAll(zr)
		require.NoError(t, err)
		assert.Contains(t, string(data), "compressed line")
	}))
	defer srv.Close()

	_, err := NewClient(Config{ServerURL: srv.URL, Compress: true}).
		Upload(context.Background(), []logbuf.Entry{{Message: "compressed line"}})
	require.NoError(t, err)
}

func TestUploadNon2xxIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient(Config{ServerURL: srv.URL}).Upload(context.Background(), nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)
	assert.Equal(t, "bad key", statusErr.Body)
}

func TestUploadRequiresServerURL(t *testing.T) {
	_, err := NewClient(Config{}).Upload(context.Background(), nil)
	assert.Error(t, err)
}

func TestFetchManifestIsNotCached(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/node/version.json", r.URL.Path)
		assert.Equal(t, "no-cache", r.Header.Get("Cache-Control"))
		if calls == 1 {
			_, _ = w.Write([]byte(`{"version": 5, "crc32": "ABCD1234"}`))
			return
		}
		_, _ = w.Write([]byte(`{"version": 6, "crc32": "00000001"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{})
	m, err := c.FetchManifest(context.Background(), srv.URL+"/node/")
	require.NoError(t, err)
	assert.Equal(t, Manifest{Version: 5, CRC32: "ABCD1234"}, m)
	m, err = c.FetchManifest(context.Background(), srv.URL+"/node")
	require.NoError(t, err)
	assert.Equal(t, uint32(6), m.Version)
	assert.Equal(t, 2, calls)
}

func TestManifestDecoding(t *testing.T) {
	cases := []struct {
		in      string
		want    Manifest
		wantErr bool
	}{
		{in: `{"version":4,"crc32":"abcd1234"}`, want: Manifest{Version: 4, CRC32: "abcd1234"}},
		{in: `{"version":4,"checksum":"0badf00d"}`, want: Manifest{Version: 4, CRC32: "0badf00d"}},
		{in: `{"version":4,"crc32":255}`, want: Manifest{Version: 4, CRC32: "000000ff"}},
		{in: `{"crc32":"abcd1234"}`, wantErr: true},
		{in: `{"version":-1,"crc32":"abcd1234"}`, wantErr: true},
		{in: `{"version":4}`, wantErr: true},
		{in: `{"version":4,"crc32":""}`, wantErr: true},
		{in: `not json`, wantErr: true},
	}
	for _, tc := range cases {
		var m Manifest
		err := json.Unmarshal([]byte(tc.in), &m)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, m, tc.in)
	}
}

func TestDownload(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/moonblokz_5.uf2" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	c := NewClient(Config{})
	var buf bytes.Buffer
	n, err := c.Download(context.Background(), srv.URL+"/moonblokz_5.uf2", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, buf.Bytes())

	_, err = c.Download(context.Background(), srv.URL+"/missing.uf2", &buf)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
}

// trickleHandler sends size bytes in chunks, pausing between them.
func trickleHandler(size, chunk int, pause time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(size))
		flusher, _ := w.(http.Flusher)
		part := bytes.Repeat([]byte{0x5A}, chunk)
		for sent := 0; sent < size; sent += chunk {
			if _, err := w.Write(part); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			select {
			case <-r.Context().Done():
				return
			case <-time.After(pause):
			}
		}
	}
}

func TestDownloadOutlivesRequestTimeoutWhileProgressing(t *testing.T) {
	// 8 chunks 40ms apart: ~320ms in total against a 200ms request timeout.
	srv := httptest.NewServer(trickleHandler(4096, 512, 40*time.Millisecond))
	defer srv.Close()

	c := NewClient(Config{Timeout: 200 * time.Millisecond})
	var buf bytes.Buffer
	n, err := c.Download(context.Background(), srv.URL+"/moonblokz_probe_9", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), n)
}

func TestDownloadStallIsCancelled(t *testing.T) {
	srv := httptest.NewServer(trickleHandler(4096, 512, 2*time.Second))
	defer srv.Close()

	c := NewClient(Config{Timeout: 100 * time.Millisecond})
	var buf bytes.Buffer
	start := time.Now()
	_, err := c.Download(context.Background(), srv.URL+"/moonblokz_probe_9", &buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDownloadStalled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDownloadTotalDeadline(t *testing.T) {
	srv := httptest.NewServer(trickleHandler(4096, 512, 40*time.Millisecond))
	defer srv.Close()

	c := NewClient(Config{Timeout: time.Second, DownloadTimeout: 100 * time.Millisecond})
	var buf bytes.Buffer
	_, err := c.Download(context.Background(), srv.URL+"/moonblokz_probe_9", &buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUploadRespectsRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(Config{ServerURL: srv.URL, Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := c.Upload(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
