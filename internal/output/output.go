// Package output implements the result pipeline: batching, file sinks
// (JSONL, CSV) and realtime dispatchers (graphite, webhook, influxdb,
// websocket). All serialization happens on the pipeline's single
// writer goroutine; VUs only ever enqueue.
package output

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loadgrid/loadgrid/internal/config"
	"github.com/loadgrid/loadgrid/internal/model"
)

// Batch is one flush of accumulated results.
type Batch struct {
	Timestamp time.Time       `json:"timestamp"`
	Number    int             `json:"batch_number"`
	Size      int             `json:"batch_size"`
	TestStart time.Time       `json:"test_start_time"`
	Results   []*model.Result `json:"results"`

	// Final marks the last batch of a run; writers flush and close
	// whatever they buffer.
	Final bool `json:"final,omitempty"`
}

// Writer consumes batches. Implementations are only ever called from
// the pipeline goroutine and need no internal locking.
type Writer interface {
	Name() string
	WriteBatch(b *Batch) error
	Close() error
}

// New builds a pipeline from the configured outputs. Unknown output
// types are an error; an empty list yields a nil pipeline, which is
// safe to Emit to.
func New(cfgs []config.OutputConfig, testStart time.Time, log logrus.FieldLogger) (*Pipeline, error) {
	if len(cfgs) == 0 {
		return nil, nil
	}

	var writers []Writer
	for _, cfg := range cfgs {
		w, err := newWriter(cfg, log)
		if err != nil {
			for _, open := range writers {
				open.Close()
			}
			return nil, err
		}
		writers = append(writers, w)
	}

	batchSize, interval := batchSettings(cfgs)
	return newPipeline(writers, batchSize, interval, testStart, log), nil
}

func newWriter(cfg config.OutputConfig, log logrus.FieldLogger) (Writer, error) {
	switch cfg.Type {
	case "jsonl":
		return newJSONLWriter(cfg.Path)
	case "csv":
		return newCSVWriter(cfg.Path)
	case "snapshot":
		return newSnapshotWriter(cfg.Path)
	case "timeseries":
		return newTimeseriesWriter(cfg.Path)
	case "graphite":
		return newGraphiteWriter(cfg, log)
	case "webhook":
		return newWebhookWriter(cfg, log)
	case "influxdb":
		return newInfluxWriter(cfg, log)
	case "websocket":
		return newWebsocketWriter(cfg, log)
	default:
		return nil, fmt.Errorf("unknown output type %q", cfg.Type)
	}
}

// batchSettings picks the smallest configured batch size and interval
// so no sink waits longer than it asked for.
func batchSettings(cfgs []config.OutputConfig) (int, time.Duration) {
	size := DefaultBatchSize
	interval := DefaultFlushInterval
	for _, cfg := range cfgs {
		if cfg.BatchSize > 0 && cfg.BatchSize < size {
			size = cfg.BatchSize
		}
		if cfg.IntervalMs > 0 {
			if d := time.Duration(cfg.IntervalMs) * time.Millisecond; d < interval {
				interval = d
			}
		}
	}
	return size, interval
}
