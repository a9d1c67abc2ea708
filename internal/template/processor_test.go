package template

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadgrid/loadgrid/internal/config"
)

func TestProcessVariables(t *testing.T) {
	p := NewProcessor("", 0)
	vars := map[string]interface{}{
		"base_url": "https://example.test",
		"user_id":  float64(7),
		"nested":   map[string]interface{}{"token": "abc"},
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "simple", in: "{{base_url}}/health", want: "https://example.test/health"},
		{name: "number", in: "id={{user_id}}", want: "id=7"},
		{name: "dot path", in: "Bearer {{nested.token}}", want: "Bearer abc"},
		{name: "whitespace tolerated", in: "{{  base_url  }}", want: "https://example.test"},
		{name: "unresolved stays literal", in: "{{missing}}", want: "{{missing}}"},
		{name: "no tokens", in: "plain text", want: "plain text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Process(tt.in, vars))
		})
	}
}

func TestProcessHelpers(t *testing.T) {
	p := NewProcessor("", 0)

	id := p.Process("{{uuid()}}", nil)
	assert.Len(t, id, 36)
	assert.NotEqual(t, id, p.Process("{{uuid()}}", nil))

	now := p.Process("{{now()}}", nil)
	ms, err := strconv.ParseInt(now, 10, 64)
	require.NoError(t, err)
	assert.Greater(t, ms, int64(0))

	for i := 0; i < 50; i++ {
		n, err := strconv.Atoi(p.Process("{{randomInt(1,10)}}", nil))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)
		assert.LessOrEqual(t, n, 10)
	}
}

func TestProcessFaker(t *testing.T) {
	p := NewProcessor("", 0)

	email := p.Process("{{faker.internet.email}}", nil)
	assert.Contains(t, email, "@")

	name := p.Process("{{faker.person.firstName}}", nil)
	assert.NotEmpty(t, name)
	assert.NotContains(t, name, "{{")

	// Unknown faker methods fail open.
	assert.Equal(t, "{{faker.animal.cat}}", p.Process("{{faker.animal.cat}}", nil))
}

func TestSeededFakerIsDeterministic(t *testing.T) {
	a := NewProcessor("", 1234)
	b := NewProcessor("", 1234)
	assert.Equal(t,
		a.Process("{{faker.person.firstName}}", nil),
		b.Process("{{faker.person.firstName}}", nil))
	assert.Equal(t,
		a.Process("{{randomInt(1,1000000)}}", nil),
		b.Process("{{randomInt(1,1000000)}}", nil))
}

func TestProcessStepRoundTrip(t *testing.T) {
	p := NewProcessor("", 0)
	step := &config.Step{
		Type: config.StepRest,
		Name: "create user",
		Rest: &config.RestStep{
			Method: "POST",
			URL:    "{{base_url}}/users",
			Headers: map[string]string{
				"Authorization": "Bearer {{token}}",
			},
		},
	}
	vars := map[string]interface{}{
		"base_url": "https://api.test",
		"token":    "t-123",
	}

	var out config.Step
	require.NoError(t, p.ProcessStep(step, vars, &out))
	assert.Equal(t, "https://api.test/users", out.Rest.URL)
	assert.Equal(t, "Bearer t-123", out.Rest.Headers["Authorization"])
	// The original is untouched.
	assert.Equal(t, "{{base_url}}/users", step.Rest.URL)
}

func TestProcessIdempotent(t *testing.T) {
	p := NewProcessor("", 0)
	vars := map[string]interface{}{"a": "x"}
	once := p.Process("{{a}} and {{missing}}", vars)
	twice := p.Process(once, vars)
	assert.Equal(t, once, twice)
}

func TestJSONPathExpressionsPassThrough(t *testing.T) {
	p := NewProcessor("", 0)
	in := `{"path": "$.user.name"}`
	assert.Equal(t, in, p.Process(in, nil))
	assert.False(t, strings.Contains(p.Process(in, nil), "{{"))
}
