package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/loadgrid/loadgrid/internal/config"
)

// graphiteWriter streams per-result metrics over the graphite plaintext
// protocol: "<prefix>.<metric> <value> <unix-seconds>\n".
type graphiteWriter struct {
	addr   string
	prefix string
	conn   net.Conn
	log    logrus.FieldLogger
}

func newGraphiteWriter(cfg config.OutputConfig, log logrus.FieldLogger) (*graphiteWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("graphite output requires a host")
	}
	port := cfg.Port
	if port == 0 {
		port = 2003
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "loadgrid"
	}
	w := &graphiteWriter{
		addr:   fmt.Sprintf("%s:%d", cfg.Host, port),
		prefix: prefix,
		log:    log,
	}
	// Connect lazily on first batch; the target may come up after us.
	return w, nil
}

func (w *graphiteWriter) Name() string { return "graphite" }

func (w *graphiteWriter) WriteBatch(b *Batch) error {
	if w.conn == nil {
		conn, err := net.DialTimeout("tcp", w.addr, 5*time.Second)
		if err != nil {
			return fmt.Errorf("connecting to graphite: %w", err)
		}
		w.conn = conn
	}

	var buf bytes.Buffer
	for _, r := range b.Results {
		ts := r.Timestamp / 1000
		step := sanitizeGraphite(r.StepName)
		fmt.Fprintf(&buf, "%s.%s.response_time %d %d\n", w.prefix, step, r.Duration, ts)
		if r.Success {
			fmt.Fprintf(&buf, "%s.%s.success 1 %d\n", w.prefix, step, ts)
		} else {
			fmt.Fprintf(&buf, "%s.%s.errors 1 %d\n", w.prefix, step, ts)
		}
	}

	if _, err := w.conn.Write(buf.Bytes()); err != nil {
		w.conn.Close()
		w.conn = nil
		return fmt.Errorf("writing to graphite: %w", err)
	}
	return nil
}

func (w *graphiteWriter) Close() error {
	if w.conn == nil {
		return nil
	}
	return w.conn.Close()
}

func sanitizeGraphite(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unnamed"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}

// webhookWriter POSTs each batch as a JSON document.
type webhookWriter struct {
	url    string
	client *http.Client
	log    logrus.FieldLogger
}

func newWebhookWriter(cfg config.OutputConfig, log logrus.FieldLogger) (*webhookWriter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook output requires a url")
	}
	return &webhookWriter{
		url:    cfg.URL,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}, nil
}

func (w *webhookWriter) Name() string { return "webhook" }

func (w *webhookWriter) WriteBatch(b *Batch) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("posting to webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (w *webhookWriter) Close() error { return nil }

// influxWriter posts batches in InfluxDB line protocol with nanosecond
// timestamps.
type influxWriter struct {
	writeURL string
	client   *http.Client
	log      logrus.FieldLogger
}

func newInfluxWriter(cfg config.OutputConfig, log logrus.FieldLogger) (*influxWriter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("influxdb output requires a url")
	}
	db := cfg.Database
	if db == "" {
		db = "loadgrid"
	}
	u := strings.TrimRight(cfg.URL, "/") + "/write?db=" + url.QueryEscape(db)
	return &influxWriter{
		writeURL: u,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log,
	}, nil
}

func (w *influxWriter) Name() string { return "influxdb" }

func (w *influxWriter) WriteBatch(b *Batch) error {
	var buf bytes.Buffer
	for _, r := range b.Results {
		// measurement,tags fields timestamp
		fmt.Fprintf(&buf, "step_result,scenario=%s,step=%s,success=%t duration=%di,status=%di %d\n",
			escapeInfluxTag(r.Scenario),
			escapeInfluxTag(r.StepName),
			r.Success,
			r.Duration,
			r.Status,
			r.Timestamp*int64(time.Millisecond),
		)
	}
	if buf.Len() == 0 {
		return nil
	}

	resp, err := w.client.Post(w.writeURL, "text/plain; charset=utf-8", &buf)
	if err != nil {
		return fmt.Errorf("posting to influxdb: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("influxdb returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (w *influxWriter) Close() error { return nil }

func escapeInfluxTag(s string) string {
	s = strings.ReplaceAll(s, " ", "\\ ")
	s = strings.ReplaceAll(s, ",", "\\,")
	s = strings.ReplaceAll(s, "=", "\\=")
	if s == "" {
		return "unnamed"
	}
	return s
}

// websocketWriter pushes each batch as one JSON message over a single
// persistent connection.
type websocketWriter struct {
	url  string
	conn *websocket.Conn
	log  logrus.FieldLogger
}

func newWebsocketWriter(cfg config.OutputConfig, log logrus.FieldLogger) (*websocketWriter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket output requires a url")
	}
	return &websocketWriter{url: cfg.URL, log: log}, nil
}

func (w *websocketWriter) Name() string { return "websocket" }

func (w *websocketWriter) WriteBatch(b *Batch) error {
	if w.conn == nil {
		conn, _, err := websocket.DefaultDialer.Dial(w.url, nil)
		if err != nil {
			return fmt.Errorf("dialing websocket: %w", err)
		}
		w.conn = conn
	}
	if err := w.conn.WriteJSON(b); err != nil {
		w.conn.Close()
		w.conn = nil
		return fmt.Errorf("writing to websocket: %w", err)
	}
	return nil
}

func (w *websocketWriter) Close() error {
	if w.conn == nil {
		return nil
	}
	w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return w.conn.Close()
}
