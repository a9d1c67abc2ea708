// Package data implements the shared tabular data provider: CSV
// loading and row dispensing under scope, order, exhaustion and change
// policies.
package data

import (
	"encoding/csv"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/loadgrid/loadgrid/internal/config"
)

// Row is one dispensed data record. Values are string, float64 or bool.
type Row map[string]interface{}

// Verdict tags the outcome of a dispense operation. Exhaustion is a
// value, not an error: the VU and the load pattern branch on the tag
// instead of sniffing error strings.
type Verdict int

const (
	// VerdictRow means a row was dispensed.
	VerdictRow Verdict = iota
	// VerdictNoValue means the source is exhausted under the no_value
	// policy; the caller proceeds without a row.
	VerdictNoValue
	// VerdictStopVU means the calling VU should terminate cleanly.
	VerdictStopVU
	// VerdictStopTest means the whole test should abort.
	VerdictStopTest
)

// Provider dispenses rows from one data file under one policy set.
// All state transitions happen under a single mutex; Release wakes
// goroutines blocked in AcquireUnique.
type Provider struct {
	cfg config.DataConfig
	log logrus.FieldLogger

	mu     sync.Mutex
	loaded bool
	rows   []Row

	// Cursors.
	global int         // scope=global shared cursor
	local  map[int]int // scope=local, per-VU cursors

	// scope=unique state: indices still free, and who holds what.
	freePool []int
	held     map[int]int // row index -> vu id

	// releaseCh is replaced on every release; AcquireUnique waiters
	// select on the current channel instead of busy-waiting.
	releaseCh chan struct{}

	// permutation applied for random order; reshuffled on each wrap.
	perm []int
	rng  *rand.Rand

	exhausted bool
}

// NewProvider creates a provider for cfg. The file is read lazily on
// first access so constructing a test does not touch the filesystem.
func NewProvider(cfg config.DataConfig, log logrus.FieldLogger) *Provider {
	return &Provider{
		cfg:       cfg,
		log:       log,
		local:     make(map[int]int),
		held:      make(map[int]int),
		releaseCh: make(chan struct{}),
		rng:       rand.New(rand.NewSource(rand.Int63())),
	}
}

// Config returns the provider's configuration.
func (p *Provider) Config() config.DataConfig { return p.cfg }

// Len returns the number of loaded rows, loading if necessary.
func (p *Provider) Len() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureLoaded(); err != nil {
		return 0, err
	}
	return len(p.rows), nil
}

// Next dispenses the next row for vuID under the configured scope and
// order. For scope=unique use AcquireUnique instead.
func (p *Provider) Next(vuID int) (Row, Verdict, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureLoaded(); err != nil {
		return nil, VerdictStopTest, err
	}
	if len(p.rows) == 0 {
		return nil, p.exhaustedVerdict(), nil
	}

	var cursor *int
	switch p.scope() {
	case "global":
		cursor = &p.global
	default: // local
		c := p.local[vuID]
		cursor = &c
		defer func() { p.local[vuID] = c }()
	}

	if *cursor >= len(p.rows) {
		switch p.cfg.OnExhausted {
		case "", "cycle":
			*cursor = 0
			p.reshuffle()
		default:
			return nil, p.exhaustedVerdict(), nil
		}
	}

	row := p.rowAt(*cursor)
	*cursor++
	return p.renamed(row), VerdictRow, nil
}

// AcquireUnique dispenses a row exclusively to vuID. The row stays
// locked until Release is called. Under the cycle policy an empty free
// pool blocks until another VU releases; stop is an external signal
// (usually ctx.Done()) that aborts the wait.
func (p *Provider) AcquireUnique(vuID int, stop <-chan struct{}) (Row, Verdict, error) {
	for {
		p.mu.Lock()
		if err := p.ensureLoaded(); err != nil {
			p.mu.Unlock()
			return nil, VerdictStopTest, err
		}

		if len(p.freePool) > 0 {
			idx := p.freePool[0]
			p.freePool = p.freePool[1:]
			p.held[idx] = vuID
			row := p.renamed(p.rows[idx])
			row[rowIndexKey] = float64(idx)
			p.mu.Unlock()
			return row, VerdictRow, nil
		}

		// Pool empty. Everything is either held or the file was empty.
		if p.cfg.OnExhausted != "" && p.cfg.OnExhausted != "cycle" {
			v := p.exhaustedVerdict()
			p.mu.Unlock()
			return nil, v, nil
		}
		if len(p.held) == 0 {
			// Empty file under cycle: nothing will ever be released.
			p.mu.Unlock()
			return nil, VerdictNoValue, nil
		}

		ch := p.releaseCh
		p.mu.Unlock()

		select {
		case <-stop:
			return nil, VerdictStopVU, nil
		case <-ch:
			// A row was released; retry.
		}
	}
}

// rowIndexKey carries the held row's index through to Release without
// a second bookkeeping map on the caller's side.
const rowIndexKey = "__row_index"

// Release returns a uniquely held row to the free pool and wakes
// blocked acquirers. Releasing a row the VU does not hold is a no-op.
func (p *Provider) Release(vuID int, row Row) {
	if row == nil {
		return
	}
	idxv, ok := row[rowIndexKey]
	if !ok {
		return
	}
	idx := int(idxv.(float64))

	p.mu.Lock()
	defer p.mu.Unlock()

	holder, held := p.held[idx]
	if !held || holder != vuID {
		return
	}
	delete(p.held, idx)
	p.freePool = append(p.freePool, idx)

	close(p.releaseCh)
	p.releaseCh = make(chan struct{})
}

// ReleaseAll releases every row held by vuID. Called on VU termination
// so unique rows re-enter the pool exactly once.
func (p *Provider) ReleaseAll(vuID int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	released := false
	for idx, holder := range p.held {
		if holder == vuID {
			delete(p.held, idx)
			p.freePool = append(p.freePool, idx)
			released = true
		}
	}
	if released {
		close(p.releaseCh)
		p.releaseCh = make(chan struct{})
	}
}

// Reset rewinds all cursors and returns every held row to the pool.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.global = 0
	p.local = make(map[int]int)
	p.held = make(map[int]int)
	p.freePool = p.freePool[:0]
	for i := range p.rows {
		p.freePool = append(p.freePool, i)
	}
	close(p.releaseCh)
	p.releaseCh = make(chan struct{})
}

func (p *Provider) scope() string {
	if p.cfg.Scope == "" {
		return "local"
	}
	return p.cfg.Scope
}

func (p *Provider) exhaustedVerdict() Verdict {
	switch p.cfg.OnExhausted {
	case "stop_vu":
		return VerdictStopVU
	case "stop_test":
		return VerdictStopTest
	case "no_value":
		return VerdictNoValue
	default:
		return VerdictNoValue
	}
}

// rowAt applies the random-order permutation when configured.
func (p *Provider) rowAt(cursor int) Row {
	if p.cfg.Order == "random" && len(p.perm) == len(p.rows) {
		return p.rows[p.perm[cursor]]
	}
	return p.rows[cursor]
}

// reshuffle regenerates the permutation after a cycle wrap.
func (p *Provider) reshuffle() {
	if p.cfg.Order == "random" || p.cfg.Shuffle {
		p.perm = p.rng.Perm(len(p.rows))
	}
}

// renamed applies column-to-variable renaming on dispense, not load,
// so one provider can serve scenarios with different bindings.
func (p *Provider) renamed(row Row) Row {
	out := make(Row, len(row)+1)
	for k, v := range row {
		if mapped, ok := p.cfg.Rename[k]; ok {
			out[mapped] = v
		} else {
			out[k] = v
		}
	}
	return out
}

// ensureLoaded reads and parses the file on first access. Must hold mu.
func (p *Provider) ensureLoaded() error {
	if p.loaded {
		return nil
	}

	f, err := os.Open(p.cfg.File)
	if err != nil {
		return fmt.Errorf("opening data file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	if p.cfg.Delimiter != "" {
		r.Comma = rune(p.cfg.Delimiter[0])
	}

	records, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("parsing data file %s: %w", p.cfg.File, err)
	}

	var header []string
	if len(records) > 0 && p.cfg.HasHeader() {
		header = records[0]
		records = records[1:]
	}

	keep := map[string]bool{}
	for _, c := range p.cfg.Columns {
		keep[c] = true
	}

	var filter *rowFilter
	if p.cfg.Filter != "" {
		filter, err = parseFilter(p.cfg.Filter)
		if err != nil {
			return err
		}
	}

	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		row := make(Row, len(rec))
		for i, field := range rec {
			name := fmt.Sprintf("col%d", i)
			if i < len(header) {
				name = strings.TrimSpace(header[i])
			}
			if len(keep) > 0 && !keep[name] {
				continue
			}
			row[name] = coerce(field)
		}
		if filter != nil && !filter.matches(row) {
			continue
		}
		rows = append(rows, row)
	}

	if p.cfg.Shuffle || p.cfg.Order == "random" {
		p.rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
	}

	p.rows = rows
	p.freePool = p.freePool[:0]
	for i := range rows {
		p.freePool = append(p.freePool, i)
	}
	p.loaded = true

	if p.log != nil {
		p.log.WithFields(logrus.Fields{
			"file": p.cfg.File,
			"rows": len(rows),
		}).Debug("data file loaded")
	}
	return nil
}

// coerce types a CSV field as bool, number or string.
func coerce(s string) interface{} {
	t := strings.TrimSpace(s)
	switch strings.ToLower(t) {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(t, 64); err == nil {
		return f
	}
	return s
}

// rowFilter is a parsed "col OP value" expression.
type rowFilter struct {
	column string
	op     string
	value  string
}

var filterOps = []string{">=", "<=", "!=", "=", ">", "<"}

func parseFilter(s string) (*rowFilter, error) {
	for _, op := range filterOps {
		if i := strings.Index(s, op); i > 0 {
			return &rowFilter{
				column: strings.TrimSpace(s[:i]),
				op:     op,
				value:  strings.TrimSpace(s[i+len(op):]),
			}, nil
		}
	}
	return nil, fmt.Errorf("invalid row filter %q: expected \"col OP value\"", s)
}

func (f *rowFilter) matches(row Row) bool {
	v, ok := row[f.column]
	if !ok {
		return false
	}

	// Numeric comparison when both sides parse; string otherwise.
	if fv, ok := v.(float64); ok {
		if want, err := strconv.ParseFloat(f.value, 64); err == nil {
			return compareFloat(fv, f.op, want)
		}
	}
	return compareString(fmt.Sprintf("%v", v), f.op, f.value)
}

func compareFloat(a float64, op string, b float64) bool {
	switch op {
	case "=":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	}
	return false
}

func compareString(a, op, b string) bool {
	switch op {
	case "=":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	}
	return false
}
