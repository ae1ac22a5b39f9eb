// Typed HTTP client for the media server's /v3 configuration and query
// APIs. Every operation is idempotent with respect to server state.
package mediamtx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/camerakit/camera-daemon/internal/config"
	"github.com/camerakit/camera-daemon/internal/logging"
)

// Client is the typed wrapper over the media server API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *logging.Logger
}

// NewClient builds a client with the configured pooling and timeouts.
func NewClient(cfg *config.MediaMTXConfig, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.GetLogger("mediamtx-client")
	}
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				MaxIdleConns:        cfg.MaxIdleConns,
				MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL: cfg.BaseURL(),
		logger:  logger,
	}
}

// do performs one request. Transport failures map to ErrConnection; HTTP
// errors surface as *Error with the status attached.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, &Error{Op: method + " " + path, Message: err.Error()}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, &Error{Op: method + " " + path, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	corrID := logging.NewCorrelationID()
	req.Header.Set("X-Correlation-ID", corrID)

	c.logger.WithCorrelationID(corrID).WithFields(logging.Fields{
		"method": method,
		"path":   path,
	}).Debug("MediaMTX request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return resp.StatusCode, data, nil
}

// HealthCheck probes the query API and reports latency.
func (c *Client) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	start := time.Now()
	status, body, err := c.do(ctx, http.MethodGet, "/v3/paths/list", nil)
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, newHTTPError("health_check", status, body)
	}
	return &HealthCheckResult{
		Status:         "healthy",
		ResponseTimeMS: float64(elapsed.Microseconds()) / 1000.0,
	}, nil
}

// CreateStream provisions a named path. A 409 (already exists) is treated
// as success, so a repeated create reports the same outcome as a fresh one.
func (c *Client) CreateStream(ctx context.Context, name, source string, conf *pathConf) error {
	payload := conf
	if payload == nil {
		payload = &pathConf{}
	}
	if source != "" {
		payload.Source = source
	}
	status, body, err := c.do(ctx, http.MethodPost, "/v3/config/paths/add/"+name, payload)
	if err != nil {
		return err
	}
	switch status {
	case 200, 201, 409:
		return nil
	default:
		return newHTTPError("create_stream", status, body)
	}
}

// DeleteStream removes a named path. 404 is idempotent success.
func (c *Client) DeleteStream(ctx context.Context, name string) error {
	status, body, err := c.do(ctx, http.MethodDelete, "/v3/config/paths/delete/"+name, nil)
	if err != nil {
		return err
	}
	switch status {
	case 200, 204, 404:
		return nil
	default:
		return newHTTPError("delete_stream", status, body)
	}
}

// PatchPath updates one path's configuration.
func (c *Client) PatchPath(ctx context.Context, name string, conf *pathConf) error {
	status, body, err := c.do(ctx, http.MethodPatch, "/v3/config/paths/patch/"+name, conf)
	if err != nil {
		return err
	}
	if status >= 400 {
		return newHTTPError("patch_path", status, body)
	}
	return nil
}

// SetRecording toggles record on a path, optionally pointing recordPath at
// the recordings directory.
func (c *Client) SetRecording(ctx context.Context, name string, record bool, recordPath, segment string) error {
	conf := &pathConf{Record: &record}
	if record {
		conf.RecordPath = recordPath
		conf.RecordSegment = segment
	}
	return c.PatchPath(ctx, name, conf)
}

// GetStreamList returns all active paths.
func (c *Client) GetStreamList(ctx context.Context) ([]StreamInfo, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/v3/paths/list", nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, newHTTPError("get_stream_list", status, body)
	}
	var resp pathListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Op: "get_stream_list", Message: "malformed response: " + err.Error()}
	}
	streams := make([]StreamInfo, 0, len(resp.Items))
	for _, item := range resp.Items {
		streams = append(streams, StreamInfo{
			Name:      item.Name,
			Source:    sourceString(item.Source),
			Ready:     item.Ready,
			Readers:   len(item.Readers),
			BytesSent: item.BytesSent,
		})
	}
	return streams, nil
}

// GetStreamStatus returns one path's status, or ErrNotFound.
func (c *Client) GetStreamStatus(ctx context.Context, name string) (*StreamInfo, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/v3/paths/get/"+name, nil)
	if err != nil {
		return nil, err
	}
	if status == 404 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if status >= 400 {
		return nil, newHTTPError("get_stream_status", status, body)
	}
	var item pathItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, &Error{Op: "get_stream_status", Message: "malformed response: " + err.Error()}
	}
	return &StreamInfo{
		Name:      item.Name,
		Source:    sourceString(item.Source),
		Ready:     item.Ready,
		Readers:   len(item.Readers),
		BytesSent: item.BytesSent,
	}, nil
}

// UpdateConfiguration patches the server's global configuration after
// local schema validation; nothing is sent when validation fails.
func (c *Client) UpdateConfiguration(ctx context.Context, options map[string]interface{}) error {
	if err := ValidateConfigOptions(options); err != nil {
		return err
	}
	status, body, err := c.do(ctx, http.MethodPatch, "/v3/config/global/patch", options)
	if err != nil {
		return err
	}
	if status >= 400 {
		return newHTTPError("update_configuration", status, body)
	}
	return nil
}

func sourceString(source interface{}) string {
	switch v := source.(type) {
	case string:
		return v
	case map[string]interface{}:
		if t, ok := v["type"].(string); ok {
			return t
		}
	}
	return ""
}

// NewCorrelationID returns a fresh id for operations initiated without a
// client request.
func NewCorrelationID() string {
	return uuid.New().String()[:8]
}
