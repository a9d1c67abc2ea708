package output

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/loadgrid/loadgrid/internal/model"
)

// jsonlWriter appends one JSON object per result.
type jsonlWriter struct {
	f   *os.File
	buf *bufio.Writer
	enc *json.Encoder
}

func newJSONLWriter(path string) (*jsonlWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonl output requires a path")
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating jsonl output: %w", err)
	}
	buf := bufio.NewWriter(f)
	return &jsonlWriter{f: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

func (w *jsonlWriter) Name() string { return "jsonl" }

func (w *jsonlWriter) WriteBatch(b *Batch) error {
	for _, r := range b.Results {
		if err := w.enc.Encode(r); err != nil {
			return err
		}
	}
	return w.buf.Flush()
}

func (w *jsonlWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// csvHeader is the fixed column order of the CSV sink.
var csvHeader = []string{
	"id", "vu_id", "iteration", "scenario", "action", "step_name",
	"thread_name", "timestamp", "duration", "response_time", "success",
	"status", "status_text", "error", "error_code", "request_url",
	"request_method", "response_size", "connect_time", "latency",
	"sent_bytes", "data_type",
}

// csvWriter appends one row per result. Quoting and escaping follow
// encoding/csv (embedded quotes are doubled).
type csvWriter struct {
	f *os.File
	w *csv.Writer
}

func newCSVWriter(path string) (*csvWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("csv output requires a path")
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating csv output: %w", err)
	}
	cw := &csvWriter{f: f, w: csv.NewWriter(f)}
	if err := cw.w.Write(csvHeader); err != nil {
		f.Close()
		return nil, err
	}
	return cw, nil
}

func (w *csvWriter) Name() string { return "csv" }

func (w *csvWriter) WriteBatch(b *Batch) error {
	for _, r := range b.Results {
		row := []string{
			r.ID,
			strconv.Itoa(r.VUID),
			strconv.Itoa(r.Iteration),
			r.Scenario,
			r.Action,
			r.StepName,
			r.ThreadName,
			strconv.FormatInt(r.Timestamp, 10),
			strconv.FormatInt(r.Duration, 10),
			strconv.FormatInt(r.ResponseTime, 10),
			strconv.FormatBool(r.Success),
			strconv.Itoa(r.Status),
			r.StatusText,
			r.Error,
			r.ErrorCode,
			r.RequestURL,
			r.RequestMethod,
			strconv.FormatInt(r.ResponseSize, 10),
			strconv.FormatInt(r.ConnectTime, 10),
			strconv.FormatInt(r.Latency, 10),
			strconv.FormatInt(r.SentBytes, 10),
			r.DataType,
		}
		if err := w.w.Write(row); err != nil {
			return err
		}
	}
	w.w.Flush()
	return w.w.Error()
}

func (w *csvWriter) Close() error {
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// snapshotKeep bounds how many recent results a snapshot holds.
const snapshotKeep = 1000

// snapshotWriter maintains a rotating JSON-array snapshot of the most
// recent results. Each flush moves the previous snapshot to "<path>.1"
// and rewrites the file, so readers always see a complete array.
type snapshotWriter struct {
	path   string
	recent []*model.Result
}

func newSnapshotWriter(path string) (*snapshotWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("snapshot output requires a path")
	}
	return &snapshotWriter{path: path, recent: []*model.Result{}}, nil
}

func (w *snapshotWriter) Name() string { return "snapshot" }

func (w *snapshotWriter) WriteBatch(b *Batch) error {
	if len(b.Results) == 0 && !b.Final {
		return nil
	}
	w.recent = append(w.recent, b.Results...)
	if n := len(w.recent) - snapshotKeep; n > 0 {
		w.recent = w.recent[n:]
	}

	raw, err := json.Marshal(w.recent)
	if err != nil {
		return err
	}
	if _, err := os.Stat(w.path); err == nil {
		if err := os.Rename(w.path, w.path+".1"); err != nil {
			return err
		}
	}
	return os.WriteFile(w.path, raw, 0o644)
}

func (w *snapshotWriter) Close() error { return nil }

// timeseriesWriter appends one aggregate JSON line per batch: counts,
// error count, mean and p95 over the batch.
type timeseriesWriter struct {
	f   *os.File
	enc *json.Encoder
}

type timeseriesPoint struct {
	Timestamp int64   `json:"timestamp"`
	Batch     int     `json:"batch_number"`
	Count     int     `json:"count"`
	Errors    int     `json:"errors"`
	AvgMs     float64 `json:"avg_response_time"`
	P95Ms     float64 `json:"p95_response_time"`
	Bytes     int64   `json:"bytes"`
}

func newTimeseriesWriter(path string) (*timeseriesWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("timeseries output requires a path")
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating timeseries output: %w", err)
	}
	return &timeseriesWriter{f: f, enc: json.NewEncoder(f)}, nil
}

func (w *timeseriesWriter) Name() string { return "timeseries" }

func (w *timeseriesWriter) WriteBatch(b *Batch) error {
	if len(b.Results) == 0 {
		return nil
	}
	pt := timeseriesPoint{
		Timestamp: b.Timestamp.UnixMilli(),
		Batch:     b.Number,
		Count:     len(b.Results),
	}
	durations := make([]float64, 0, len(b.Results))
	var sum float64
	for _, r := range b.Results {
		if !r.Success {
			pt.Errors++
		}
		pt.Bytes += r.ResponseSize
		d := float64(r.Duration)
		sum += d
		durations = append(durations, d)
	}
	pt.AvgMs = sum / float64(len(durations))
	pt.P95Ms = roughP95(durations)
	return w.enc.Encode(pt)
}

func (w *timeseriesWriter) Close() error { return w.f.Close() }

// roughP95 is a per-batch percentile; batches are small, so an
// insertion sort is fine.
func roughP95(ds []float64) float64 {
	if len(ds) == 0 {
		return 0
	}
	for i := 1; i < len(ds); i++ {
		for j := i; j > 0 && ds[j] < ds[j-1]; j-- {
			ds[j], ds[j-1] = ds[j-1], ds[j]
		}
	}
	idx := len(ds) * 95 / 100
	if idx >= len(ds) {
		idx = len(ds) - 1
	}
	return ds[idx]
}
