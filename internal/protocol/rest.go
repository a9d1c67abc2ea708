package protocol

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loadgrid/loadgrid/internal/clock"
	"github.com/loadgrid/loadgrid/internal/config"
	"github.com/loadgrid/loadgrid/internal/model"
)

// DefaultTimeout bounds REST requests without an explicit timeout.
const DefaultTimeout = 30 * time.Second

// RestConfig tunes the REST handler's shared transport.
type RestConfig struct {
	BaseURL             string
	Headers             map[string]string
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	InsecureSkipVerify  bool
}

// RestHandler executes rest steps over a pooled HTTP transport shared
// by all VUs. The transport is the handler's own; nothing else in the
// engine touches connections.
type RestHandler struct {
	client *http.Client
	cfg    RestConfig
	log    logrus.FieldLogger
}

// NewRestHandler creates a handler with a load-test friendly transport.
func NewRestHandler(cfg RestConfig, log logrus.FieldLogger) *RestHandler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 1000
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 100
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &RestHandler{
		client: &http.Client{Transport: transport},
		cfg:    cfg,
		log:    log,
	}
}

// Close releases idle connections.
func (h *RestHandler) Close() {
	h.client.CloseIdleConnections()
}

// Execute implements Handler.
func (h *RestHandler) Execute(ctx context.Context, step *config.Step, vc *model.VUContext, r *model.Result) error {
	rs := step.Rest
	if rs == nil {
		return fmt.Errorf("rest step %q has no payload", step.Name)
	}

	body, contentType, err := h.buildBody(rs)
	if err != nil {
		return err
	}

	url := rs.URL
	if h.cfg.BaseURL != "" && !strings.HasPrefix(url, "http") {
		url = strings.TrimRight(h.cfg.BaseURL, "/") + "/" + strings.TrimLeft(url, "/")
	}

	timeout := h.cfg.Timeout
	if rs.Timeout != "" {
		if d, perr := clock.Parse(rs.Timeout); perr == nil {
			timeout = d
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, rs.Method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range rs.Headers {
		req.Header.Set(k, v)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	// Network timing breakdown via httptrace.
	var connectStart, connectDone, firstByte time.Time
	trace := &httptrace.ClientTrace{
		ConnectStart:         func(string, string) { connectStart = time.Now() },
		ConnectDone:          func(_, _ string, _ error) { connectDone = time.Now() },
		GotFirstResponseByte: func() { firstByte = time.Now() },
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	r.RequestURL = url
	r.RequestMethod = rs.Method
	r.RequestHeaders = flattenHeader(req.Header)
	r.RequestBody = string(body)
	r.BodySizeSent = int64(len(body))
	r.HeadersSizeSent = headerSize(req.Header)
	r.SentBytes = r.BodySizeSent + r.HeadersSizeSent

	start := time.Now()
	resp, err := h.client.Do(req)
	elapsed := time.Since(start)

	r.Duration = elapsed.Milliseconds()
	r.ResponseTime = r.Duration

	if !connectDone.IsZero() && !connectStart.IsZero() {
		r.ConnectTime = connectDone.Sub(connectStart).Milliseconds()
	}
	if !firstByte.IsZero() {
		r.Latency = firstByte.Sub(start).Milliseconds()
	}

	if err != nil {
		code := "network_error"
		if reqCtx.Err() == context.DeadlineExceeded {
			code = "timeout"
		}
		r.SetError(code, err.Error())
		return nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		r.Status = resp.StatusCode
		r.SetError("read_error", fmt.Sprintf("reading response body: %v", err))
		return nil
	}

	r.Status = resp.StatusCode
	r.StatusText = http.StatusText(resp.StatusCode)
	r.ResponseHeaders = flattenHeader(resp.Header)
	r.ResponseBody = string(respBody)
	r.BodySizeReceived = int64(len(respBody))
	r.HeadersSizeReceived = headerSize(resp.Header)
	r.ResponseSize = r.BodySizeReceived + r.HeadersSizeReceived
	r.DataType = resp.Header.Get("Content-Type")

	r.Success = resp.StatusCode < 400
	if !r.Success {
		r.SetError("http_error", fmt.Sprintf("HTTP %d %s", resp.StatusCode, r.StatusText))
	}
	return nil
}

// buildBody synthesizes the request body. Priority: explicit body
// string, inline json, jsonFile (+ dot-path overrides). The overrides
// were already templated along with the rest of the step.
func (h *RestHandler) buildBody(rs *config.RestStep) ([]byte, string, error) {
	if rs.Body != "" {
		return []byte(rs.Body), "", nil
	}

	payload := rs.JSON
	if payload == nil && rs.JSONFile != "" {
		raw, err := os.ReadFile(rs.JSONFile)
		if err != nil {
			return nil, "", fmt.Errorf("loading jsonFile: %w", err)
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, "", fmt.Errorf("parsing jsonFile %s: %w", rs.JSONFile, err)
		}
	}
	if payload == nil {
		return nil, "", nil
	}

	for path, value := range rs.Overrides {
		setDotPath(payload, path, value)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("serializing json payload: %w", err)
	}
	return body, "application/json", nil
}

// setDotPath writes value at a dotted path inside a JSON object tree,
// creating intermediate objects as needed.
func setDotPath(doc map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := doc
	for i, part := range parts {
		if i == len(parts)-1 {
			cur[part] = value
			return
		}
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[part] = next
		}
		cur = next
	}
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

func headerSize(h http.Header) int64 {
	var n int64
	for k, vs := range h {
		for _, v := range vs {
			n += int64(len(k) + len(": ") + len(v) + len("\r\n"))
		}
	}
	return n
}
