// Package template expands {{...}} tokens in serialized steps and raw
// string fields: variable lookups, helper functions and faker data.
package template

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
)

// tokenRe matches {{ ... }} tokens. JSONPath expressions use $ syntax
// and never appear inside double braces, so they pass through intact.
var tokenRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// helperRe matches helper calls like randomInt(1,10) or uuid().
var helperRe = regexp.MustCompile(`^(\w+)\s*(?:\(\s*([^)]*)\s*\))?$`)

// Processor substitutes tokens in text. One processor is shared across
// all steps of a test; it is safe for concurrent use. The only mutable
// state is the seeded RNG, which is serialized behind a mutex so runs
// with a fixed seed stay reproducible.
type Processor struct {
	mu    sync.Mutex
	faker *gofakeit.Faker
	rng   *rand.Rand

	// Locale is advisory: it is recorded for reporting but data
	// generation is locale-neutral.
	Locale string
}

// NewProcessor creates a processor. A zero seed selects a random one.
func NewProcessor(locale string, seed uint64) *Processor {
	var f *gofakeit.Faker
	var src rand.Source
	if seed == 0 {
		f = gofakeit.New(0)
		src = rand.NewSource(time.Now().UnixNano())
	} else {
		f = gofakeit.New(seed)
		src = rand.NewSource(int64(seed))
	}
	return &Processor{
		faker:  f,
		rng:    rand.New(src),
		Locale: locale,
	}
}

// Process substitutes every resolvable token in text. Unresolved
// tokens remain literal (fail-open), which also makes Process
// idempotent on fully resolved text.
func (p *Processor) Process(text string, vars map[string]interface{}) string {
	if text == "" || !strings.Contains(text, "{{") {
		return text
	}
	return tokenRe.ReplaceAllStringFunc(text, func(match string) string {
		expr := strings.TrimSpace(tokenRe.FindStringSubmatch(match)[1])

		if v, ok := p.resolveHelper(expr); ok {
			return v
		}
		if v, ok := p.resolveFaker(expr); ok {
			return v
		}
		if v, ok := lookup(vars, expr); ok {
			return stringify(v)
		}
		return match
	})
}

// ProcessStep round-trips any JSON-serializable value through the
// processor: it is serialized, substituted as text and re-parsed into
// out. A parse failure after substitution is fatal for the step.
func (p *Processor) ProcessStep(step interface{}, vars map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("serializing step for templating: %w", err)
	}
	processed := p.Process(string(raw), vars)
	if err := json.Unmarshal([]byte(processed), out); err != nil {
		return fmt.Errorf("step is not valid JSON after templating: %w", err)
	}
	return nil
}

// resolveHelper handles the built-in helper functions, which take
// precedence over variable lookup.
func (p *Processor) resolveHelper(expr string) (string, bool) {
	m := helperRe.FindStringSubmatch(expr)
	if m == nil {
		return "", false
	}
	name, rawArgs := m[1], m[2]

	switch name {
	case "uuid":
		return uuid.NewString(), true
	case "now":
		return strconv.FormatInt(time.Now().UnixMilli(), 10), true
	case "randomInt":
		args := splitArgs(rawArgs)
		if len(args) != 2 {
			return "", false
		}
		lo, err1 := strconv.Atoi(args[0])
		hi, err2 := strconv.Atoi(args[1])
		if err1 != nil || err2 != nil || hi < lo {
			return "", false
		}
		p.mu.Lock()
		n := lo + p.rng.Intn(hi-lo+1)
		p.mu.Unlock()
		return strconv.Itoa(n), true
	default:
		return "", false
	}
}

// resolveFaker handles faker.<namespace>.<method>([args]) tokens.
func (p *Processor) resolveFaker(expr string) (string, bool) {
	if !strings.HasPrefix(expr, "faker.") {
		return "", false
	}
	call := strings.TrimPrefix(expr, "faker.")

	var args []string
	if i := strings.IndexByte(call, '('); i >= 0 {
		j := strings.LastIndexByte(call, ')')
		if j < i {
			return "", false
		}
		args = splitArgs(call[i+1 : j])
		call = call[:i]
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fakeValue(call, args)
}

// fakeValue maps namespace.method names onto gofakeit. The table
// covers the namespaces test configurations actually use; unknown
// methods fail open.
func (p *Processor) fakeValue(call string, args []string) (string, bool) {
	f := p.faker
	switch call {
	case "person.firstName":
		return f.FirstName(), true
	case "person.lastName":
		return f.LastName(), true
	case "person.fullName", "name.fullName":
		return f.Name(), true
	case "person.jobTitle":
		return f.JobTitle(), true
	case "internet.email":
		return f.Email(), true
	case "internet.userName", "internet.username":
		return f.Username(), true
	case "internet.password":
		return f.Password(true, true, true, false, false, 12), true
	case "internet.url":
		return f.URL(), true
	case "internet.ip", "internet.ipv4":
		return f.IPv4Address(), true
	case "phone.number":
		return f.Phone(), true
	case "address.city", "location.city":
		return f.City(), true
	case "address.country", "location.country":
		return f.Country(), true
	case "address.streetAddress", "location.streetAddress":
		return f.Street(), true
	case "address.zipCode", "location.zipCode":
		return f.Zip(), true
	case "company.name":
		return f.Company(), true
	case "commerce.productName":
		return f.ProductName(), true
	case "lorem.word":
		return f.Word(), true
	case "lorem.sentence":
		n := 6
		if len(args) == 1 {
			if v, err := strconv.Atoi(args[0]); err == nil && v > 0 {
				n = v
			}
		}
		return f.Sentence(n), true
	case "string.uuid", "datatype.uuid":
		return f.UUID(), true
	case "number.int", "datatype.number":
		lo, hi := 0, 1000
		if len(args) == 2 {
			if v, err := strconv.Atoi(args[0]); err == nil {
				lo = v
			}
			if v, err := strconv.Atoi(args[1]); err == nil {
				hi = v
			}
		}
		if hi < lo {
			return "", false
		}
		return strconv.Itoa(f.Number(lo, hi)), true
	default:
		return "", false
	}
}

// lookup resolves a name or dot-path against the vars table. Exact
// (possibly dotted) keys win over path traversal so "variables.x" and
// "extracted_data.x" hit their prefixed entries directly.
func lookup(vars map[string]interface{}, name string) (interface{}, bool) {
	if vars == nil {
		return nil, false
	}
	if v, ok := vars[name]; ok {
		return v, true
	}
	if !strings.Contains(name, ".") {
		return nil, false
	}

	parts := strings.Split(name, ".")
	var cur interface{} = vars
	for _, part := range parts {
		m, ok := toMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	default:
		return nil, false
	}
}

func splitArgs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(parts[i]), `'"`)
	}
	return parts
}

// stringify renders a variable value the way it should appear in a
// request: numbers without exponent noise, everything else via fmt.
func stringify(v interface{}) string {
	switch vv := v.(type) {
	case string:
		return vv
	case float64:
		return strconv.FormatFloat(vv, 'f', -1, 64)
	case int:
		return strconv.Itoa(vv)
	case int64:
		return strconv.FormatInt(vv, 10)
	case bool:
		return strconv.FormatBool(vv)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", vv)
	}
}
