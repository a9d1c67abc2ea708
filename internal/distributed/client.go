// Package distributed implements the coordinator side of a multi-node
// run: worker clients, VU allocation strategies, synchronized start,
// health monitoring and result aggregation.
package distributed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loadgrid/loadgrid/internal/metrics"
	"github.com/loadgrid/loadgrid/internal/model"
)

// Client request defaults.
const (
	clientTimeout   = 30 * time.Second
	connectAttempts = 5
	connectBackoff  = 2 * time.Second
)

// WorkerClient talks to one worker's control API.
type WorkerClient struct {
	Address string

	base   string
	client *http.Client
	log    logrus.FieldLogger
}

// NewWorkerClient creates a client for a worker address. A bare
// "host:port" gets the http scheme.
func NewWorkerClient(address string, log logrus.FieldLogger) *WorkerClient {
	base := address
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &WorkerClient{
		Address: address,
		base:    strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: clientTimeout},
		log:     log.WithField("worker", address),
	}
}

// Connect verifies the worker is reachable, retrying with backoff.
func (c *WorkerClient) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err := c.Health(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		c.log.WithField("attempt", attempt).Debug("worker not reachable yet")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectBackoff):
		}
	}
	return fmt.Errorf("worker %s unreachable: %w", c.Address, lastErr)
}

// Health checks /health.
func (c *WorkerClient) Health(ctx context.Context) error {
	return c.get(ctx, "/health", nil)
}

// Prepare uploads the worker's share of the test.
func (c *WorkerClient) Prepare(ctx context.Context, cfg json.RawMessage) error {
	body, err := json.Marshal(map[string]json.RawMessage{"config": cfg})
	if err != nil {
		return err
	}
	return c.post(ctx, "/prepare", body, nil)
}

// Start launches the prepared test at the given wall-clock millisecond.
// Zero means start immediately.
func (c *WorkerClient) Start(ctx context.Context, startTime int64) error {
	body, err := json.Marshal(map[string]int64{"start_time": startTime})
	if err != nil {
		return err
	}
	return c.post(ctx, "/start", body, nil)
}

// WorkerStatus is the decoded /status response.
type WorkerStatus struct {
	Connected    bool    `json:"connected"`
	Running      bool    `json:"running"`
	VirtualUsers int     `json:"virtualUsers"`
	RPS          float64 `json:"rps"`
	ResponseTime float64 `json:"responseTime"`
	ErrorRate    float64 `json:"errorRate"`
	ActiveRunner bool    `json:"activeRunner"`
	State        string  `json:"state"`
	Error        string  `json:"error"`
}

// Status fetches the worker's live state.
func (c *WorkerClient) Status(ctx context.Context) (*WorkerStatus, error) {
	var st WorkerStatus
	if err := c.get(ctx, "/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// WorkerResults is the decoded /results payload: the worker's stored
// results, its summary and the run error message, if any.
type WorkerResults struct {
	Results []*model.Result  `json:"results"`
	Summary *metrics.Summary `json:"summary"`
	Error   string           `json:"error"`
}

// Results fetches the worker's collected results and final summary.
func (c *WorkerClient) Results(ctx context.Context) (*WorkerResults, error) {
	var res WorkerResults
	if err := c.get(ctx, "/results", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Stop asks the worker to cancel its run.
func (c *WorkerClient) Stop(ctx context.Context) error {
	return c.post(ctx, "/stop", nil, nil)
}

func (c *WorkerClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *WorkerClient) post(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *WorkerClient) do(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("worker %s: %w", c.Address, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("worker %s: reading response: %w", c.Address, err)
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("worker %s: %s (HTTP %d)", c.Address, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("worker %s: HTTP %d", c.Address, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("worker %s: decoding response: %w", c.Address, err)
		}
	}
	return nil
}
