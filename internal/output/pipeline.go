package output

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loadgrid/loadgrid/internal/model"
)

// Pipeline defaults.
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second
	queueCapacity        = 10000
)

// Pipeline accumulates results into numbered batches and fans each
// batch out to every writer. Enqueueing never blocks a VU: when the
// queue is full the result is dropped and counted.
type Pipeline struct {
	writers  []Writer
	size     int
	interval time.Duration
	start    time.Time
	log      logrus.FieldLogger

	ch      chan *model.Result
	dropped atomic.Int64
	batchNo int

	closeOnce sync.Once
	done      chan struct{}
}

func newPipeline(writers []Writer, size int, interval time.Duration, testStart time.Time, log logrus.FieldLogger) *Pipeline {
	p := &Pipeline{
		writers:  writers,
		size:     size,
		interval: interval,
		start:    testStart,
		log:      log,
		ch:       make(chan *model.Result, queueCapacity),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

// Emit enqueues a result. Safe on a nil pipeline.
func (p *Pipeline) Emit(r *model.Result) {
	if p == nil {
		return
	}
	select {
	case p.ch <- r:
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns how many results were discarded due to backpressure.
func (p *Pipeline) Dropped() int64 {
	if p == nil {
		return 0
	}
	return p.dropped.Load()
}

// Close drains the queue, flushes a final batch and closes every
// writer. Safe on a nil pipeline and safe to call more than once.
func (p *Pipeline) Close() {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() {
		close(p.ch)
		<-p.done
	})
}

func (p *Pipeline) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	pending := make([]*model.Result, 0, p.size)
	for {
		select {
		case r, ok := <-p.ch:
			if !ok {
				// Drain whatever raced the close.
				for r := range p.ch {
					pending = append(pending, r)
				}
				p.flush(pending, true)
				p.closeWriters()
				return
			}
			pending = append(pending, r)
			if len(pending) >= p.size {
				p.flush(pending, false)
				pending = pending[:0]
			}

		case <-ticker.C:
			if len(pending) > 0 {
				p.flush(pending, false)
				pending = pending[:0]
			}
		}
	}
}

func (p *Pipeline) flush(results []*model.Result, final bool) {
	if len(results) == 0 && !final {
		return
	}
	p.batchNo++
	b := &Batch{
		Timestamp: time.Now(),
		Number:    p.batchNo,
		Size:      len(results),
		TestStart: p.start,
		Results:   append([]*model.Result{}, results...),
		Final:     final,
	}
	for _, w := range p.writers {
		if err := w.WriteBatch(b); err != nil {
			p.log.WithError(err).WithField("output", w.Name()).Warn("output write failed")
		}
	}
}

func (p *Pipeline) closeWriters() {
	for _, w := range p.writers {
		if err := w.Close(); err != nil {
			p.log.WithError(err).WithField("output", w.Name()).Warn("output close failed")
		}
	}
	if n := p.dropped.Load(); n > 0 {
		p.log.WithField("dropped", n).Warn("results dropped by output backpressure")
	}
}
