// Package hub talks to the telemetry hub and the firmware distribution
// endpoints over HTTP.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/moonblokz/probe/pkg/logbuf"
)

const (
	HeaderNodeID    = "X-Node-ID"
	HeaderAPIKey    = "X-Api-Key"
	HeaderRequestID = "X-Request-ID"

	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 1 << 20
	maxErrorBody     = 2048
)

// ErrDownloadStalled is returned when an artifact download makes no progress
// for the request timeout.
var ErrDownloadStalled = errors.New("download stalled")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hub request %s %s failed: status=%d body=%s", e.Method, e.URL, e.Code, e.Body)
}

// Config controls a Client.
//
// Timeout bounds each upload and manifest request, and the longest a download
// may go without receiving a byte. DownloadTimeout caps a whole download; 0
// means no cap.
type Config struct {
	ServerURL       string
	NodeID          string
	APIKey          string
	Compress        bool
	Timeout         time.Duration
	DownloadTimeout time.Duration
	HTTPClient      *http.Client
}

// Client is the HTTP transport for uploads, manifests, and artifacts.
type Client struct {
	serverURL  string
	nodeID     string
	apiKey     string
	compress   bool
	timeout    time.Duration
	download   time.Duration
	httpClient *http.Client
}

// NewClient builds a Client. ServerURL may be empty when only firmware
// endpoints are used.
func NewClient(cfg Config) *Client {
	// No client-wide Timeout: it would also cap reading a large artifact body.
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	download := cfg.DownloadTimeout
	if download < 0 {
		download = 0
	}
	return &Client{
		serverURL:  strings.TrimSuffix(strings.TrimSpace(cfg.ServerURL), "/"),
		nodeID:     strings.TrimSpace(cfg.NodeID),
		apiKey:     cfg.APIKey,
		compress:   cfg.Compress,
		timeout:    timeout,
		download:   download,
		httpClient: httpClient,
	}
}

type uploadRequest struct {
	Logs []logbuf.Entry `json:"logs"`
}

// Upload posts a batch of log entries and returns the raw response body on a
// 2xx status. Any other status is a *StatusError.
func (c *Client) Upload(ctx context.Context, logs []logbuf.Entry) ([]byte, error) {
	if c.serverURL == "" {
		return nil, errors.New("hub server url is empty")
	}
	if logs == nil {
		logs = []logbuf.Entry{}
	}
	payload, err := json.Marshal(uploadRequest{Logs: logs})
	if err != nil {
		return nil, errors.Wrap(err, "encode upload payload")
	}
	var body io.Reader = bytes.NewReader(payload)
	if c.compress {
		compressed, err := gzipBytes(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(compressed)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	endpoint := c.serverURL + "/update"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, errors.Wrap(err, "build upload request")
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	if c.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}
	req.Header.Set(HeaderNodeID, c.nodeID)
	req.Header.Set(HeaderAPIKey, c.apiKey)
	req.Header.Set(HeaderRequestID, requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "call hub upload")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read upload response")
	}
	log.Debug().
		Str("request_id", requestID).
		Int("entries", len(logs)).
		Int("status", resp.StatusCode).
		Int("response_bytes", len(data)).
		Msg("telemetry uploaded")
	return data, nil
}

// FetchManifest downloads <baseURL>/version.json, bypassing any HTTP cache.
func (c *Client) FetchManifest(ctx context.Context, baseURL string) (Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	endpoint := strings.TrimSuffix(strings.TrimSpace(baseURL), "/") + "/version.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Manifest{}, errors.Wrap(err, "build manifest request")
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Manifest{}, errors.Wrap(err, "fetch manifest")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Manifest{}, statusError(resp)
	}
	var m Manifest
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&m); err != nil {
		return Manifest{}, errors.Wrapf(err, "decode manifest %s", endpoint)
	}
	return m, nil
}

// Download streams the artifact at rawURL into w and returns the byte count.
// A slow link is fine as long as bytes keep arriving; the transfer is
// cancelled once it stalls for the request timeout.
func (c *Client) Download(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	if c.download > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.download)
		defer cancel()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	idle := time.AfterFunc(c.timeout, func() { cancel(ErrDownloadStalled) })
	defer idle.Stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, errors.Wrap(err, "build download request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.Wrapf(downloadCause(ctx, err), "download %s", rawURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, statusError(resp)
	}
	n, err := io.Copy(w, &progressReader{r: resp.Body, idle: idle, stall: c.timeout})
	if err != nil {
		return n, errors.Wrapf(downloadCause(ctx, err), "download %s", rawURL)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, errors.Errorf("download %s: short body %d/%d", rawURL, n, resp.ContentLength)
	}
	return n, nil
}

// progressReader pushes the stall deadline back on every read that returns data.
type progressReader struct {
	r     io.Reader
	idle  *time.Timer
	stall time.Duration
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.idle.Reset(p.stall)
	}
	return n, err
}

// downloadCause reports why the download context ended (ErrDownloadStalled,
// a deadline, or the caller's cancellation) instead of the transport's
// generic error.
func downloadCause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
	}
	return err
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Method: resp.Request.Method,
		URL:    resp.Request.URL.String(),
		Code:   resp.StatusCode,
		Body:   strings.TrimSpace(string(body)),
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, errors.Wrap(err, "gzip upload payload")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "gzip upload payload")
	}
	return buf.Bytes(), nil
}

// Manifest describes the newest published artifact of one kind.
type Manifest struct {
	Version uint32
	CRC32   string
}

// UnmarshalJSON accepts the checksum as a hex string or a number, under
// "crc32" or the older "checksum" key.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Version  *json.Number    `json:"version"`
		CRC32    json.RawMessage `json:"crc32"`
		Checksum json.RawMessage `json:"checksum"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw.Version == nil {
		return errors.New("manifest: missing version")
	}
	v, err := strconv.ParseUint(raw.Version.String(), 10, 32)
	if err != nil {
		return errors.Wrapf(err, "manifest: invalid version %s", raw.Version.String())
	}
	sum := raw.CRC32
	if len(sum) == 0 || string(sum) == "null" {
		sum = raw.Checksum
	}
	crc, err := checksumString(sum)
	if err != nil {
		return err
	}
	m.Version = uint32(v)
	m.CRC32 = crc
	return nil
}

func checksumString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", errors.New("manifest: missing crc32")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			return "", errors.New("manifest: empty crc32")
		}
		return strings.TrimSpace(s), nil
	}
	n, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return "", errors.Wrapf(err, "manifest: invalid crc32 %s", string(raw))
	}
	return fmt.Sprintf("%08x", n), nil
}
