package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadgrid/loadgrid/internal/config"
	"github.com/loadgrid/loadgrid/internal/model"
	"github.com/loadgrid/loadgrid/internal/rendezvous"
	"github.com/loadgrid/loadgrid/internal/script"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func newTC(t *testing.T, cfg *config.TestConfig) *TestContext {
	t.Helper()
	if cfg == nil {
		cfg = &config.TestConfig{Name: "t"}
	}
	return NewTestContext(cfg, quietLogger(), nil)
}

func newExecutor(t *testing.T, tc *TestContext) *StepExecutor {
	t.Helper()
	f := NewFactory(tc)
	t.Cleanup(f.Close)
	return f.Executor()
}

func boolPtr(b bool) *bool { return &b }

func restStep(name, method, url string) *config.Step {
	return &config.Step{
		Type: config.StepRest,
		Name: name,
		Rest: &config.RestStep{Method: method, URL: url},
	}
}

func TestExecuteRestSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"abc","user":{"id":42}}`))
	}))
	defer srv.Close()

	tc := newTC(t, nil)
	se := newExecutor(t, tc)
	sc := &config.Scenario{Name: "s"}
	vc := model.NewVUContext(1, nil)

	step := restStep("login", "GET", srv.URL)
	step.Checks = []config.Check{
		{Type: "status", Value: 200},
		{Type: "json_path", Expression: "$.token", Value: "abc"},
		{Type: "response_time", Value: "<5000ms"},
	}
	step.Extract = []config.Extract{
		{Name: "token", Type: "json_path", Expression: "$.token"},
		{Name: "user_id", Type: "json_path", Expression: "$.user.id"},
		{Name: "content_type", Type: "header", Expression: "content-type"},
		{Name: "missing", Type: "json_path", Expression: "$.absent", Default: "fallback"},
	}

	r, err := se.Execute(context.Background(), step, sc, vc)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, 200, r.Status)
	assert.Equal(t, "abc", vc.ExtractedData["token"])
	assert.Equal(t, "application/json", vc.ExtractedData["content_type"])
	assert.Equal(t, "fallback", vc.ExtractedData["missing"])

	total, success, _ := tc.Metrics.Overall.Counts()
	assert.Equal(t, int64(1), total)
	assert.Equal(t, int64(1), success)
}

func TestExecuteCheckFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	tc := newTC(t, nil)
	se := newExecutor(t, tc)
	vc := model.NewVUContext(1, nil)

	step := restStep("get", "GET", srv.URL)
	step.Checks = []config.Check{{Type: "text_contains", Expression: "goodbye"}}

	r, err := se.Execute(context.Background(), step, &config.Scenario{Name: "s"}, vc)
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.Equal(t, "check_failed", r.ErrorCode)
	assert.Contains(t, r.Error, "text_contains")
}

func TestExecuteHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tc := newTC(t, nil)
	se := newExecutor(t, tc)

	r, err := se.Execute(context.Background(), restStep("get", "GET", srv.URL), &config.Scenario{Name: "s"}, model.NewVUContext(1, nil))
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.Equal(t, 502, r.Status)
	assert.Equal(t, "http_error", r.ErrorCode)
}

func TestExecuteSkipCondition(t *testing.T) {
	tc := newTC(t, nil)
	se := newExecutor(t, tc)
	vc := model.NewVUContext(1, nil)

	step := restStep("conditional", "GET", "http://never.dialed.test")
	step.Condition = "vu_id > 100"

	r, err := se.Execute(context.Background(), step, &config.Scenario{Name: "s"}, vc)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, "SKIPPED", r.StatusText)
}

func TestExecuteWaitStep(t *testing.T) {
	tc := newTC(t, nil)
	se := newExecutor(t, tc)

	step := &config.Step{
		Type: config.StepWait,
		Name: "pause",
		Wait: &config.WaitStep{Duration: "30ms"},
	}

	start := time.Now()
	r, err := se.Execute(context.Background(), step, &config.Scenario{Name: "s"}, model.NewVUContext(1, nil))
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestExecuteTemplateVariables(t *testing.T) {
	var gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath.Store(req.URL.Path)
	}))
	defer srv.Close()

	tc := newTC(t, nil)
	se := newExecutor(t, tc)
	vc := model.NewVUContext(1, nil)
	vc.Variables["resource"] = "widgets"

	r, err := se.Execute(context.Background(), restStep("get", "GET", srv.URL+"/{{resource}}"), &config.Scenario{Name: "s"}, vc)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, "/widgets", gotPath.Load())
}

func TestExecuteThresholdFailStep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	tc := newTC(t, nil)
	se := newExecutor(t, tc)

	step := restStep("get", "GET", srv.URL)
	step.Thresholds = []config.Threshold{
		{Metric: "response_time", Operator: ">=", Value: 0, Action: "fail_step"},
	}

	r, err := se.Execute(context.Background(), step, &config.Scenario{Name: "s"}, model.NewVUContext(1, nil))
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.Equal(t, "threshold", r.ErrorCode)
}

func TestExecuteThresholdAbortEscalates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	tc := newTC(t, nil)
	se := newExecutor(t, tc)

	step := restStep("get", "GET", srv.URL)
	step.Thresholds = []config.Threshold{
		{Metric: "status", Operator: "==", Value: 200, Action: "abort"},
	}

	_, err := se.Execute(context.Background(), step, &config.Scenario{Name: "s"}, model.NewVUContext(1, nil))
	var tv *ThresholdViolation
	require.ErrorAs(t, err, &tv)
	assert.Equal(t, "abort", tv.Action)
	assert.Equal(t, 200.0, tv.Actual)
}

func TestExecuteRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	tc := newTC(t, nil)
	se := newExecutor(t, tc)

	step := restStep("flaky", "GET", srv.URL)
	step.Retry = &config.RetryConfig{Attempts: 2}

	r, err := se.Execute(context.Background(), step, &config.Scenario{Name: "s"}, model.NewVUContext(1, nil))
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, 200, r.Status)
	assert.Equal(t, int32(2), hits.Load())
}

func TestExecuteRendezvousSingleVU(t *testing.T) {
	tc := newTC(t, nil)
	se := newExecutor(t, tc)

	step := &config.Step{
		Type:       config.StepRendezvous,
		Name:       "gate",
		Rendezvous: &config.RendezvousStep{Name: "gate", Count: 1, Timeout: "1s"},
	}

	r, err := se.Execute(context.Background(), step, &config.Scenario{Name: "s"}, model.NewVUContext(1, nil))
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, rendezvous.ReasonTargetReached, r.StatusText)
	assert.Equal(t, 1.0, r.CustomMetrics["rendezvous_vu_count"])
}

func TestExecuteScriptStep(t *testing.T) {
	tc := newTC(t, nil)
	se := newExecutor(t, tc)
	tc.Scripts.Register("seed", func(_ context.Context, hc *script.HookContext) error {
		hc.ExtractedData["seeded"] = true
		return nil
	})

	step := &config.Step{
		Type:   config.StepScript,
		Name:   "seed data",
		Script: &config.ScriptStep{Name: "seed"},
	}
	vc := model.NewVUContext(1, nil)

	r, err := se.Execute(context.Background(), step, &config.Scenario{Name: "s"}, vc)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, true, vc.ExtractedData["seeded"])
}

func TestExecuteUnsupportedVariant(t *testing.T) {
	tc := newTC(t, nil)
	se := newExecutor(t, tc)

	step := &config.Step{
		Type: config.StepSoap,
		Name: "legacy",
		Soap: &config.SoapStep{Endpoint: "http://soap.test"},
	}

	r, err := se.Execute(context.Background(), step, &config.Scenario{Name: "s"}, model.NewVUContext(1, nil))
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.Equal(t, "unsupported_protocol", r.ErrorCode)
}

func waitDone(t *testing.T, vu *VirtualUser) {
	t.Helper()
	select {
	case <-vu.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("virtual user did not finish")
	}
}

func TestVUMaxIterations(t *testing.T) {
	cfg := &config.TestConfig{
		Name: "t",
		Scenarios: []*config.Scenario{{
			Name:  "s",
			Steps: []*config.Step{{Type: config.StepWait, Name: "w", Wait: &config.WaitStep{Duration: "1ms"}}},
		}},
	}
	tc := newTC(t, cfg)
	se := newExecutor(t, tc)

	vu := NewVirtualUser(1, "basic", tc, se)
	vu.MaxIterations = 3
	vu.Start(context.Background())
	waitDone(t, vu)

	assert.Equal(t, int64(3), vu.Iterations())
	assert.Equal(t, StateStopped, vu.State())
}

func TestVUStop(t *testing.T) {
	cfg := &config.TestConfig{
		Name: "t",
		Scenarios: []*config.Scenario{{
			Name:  "s",
			Steps: []*config.Step{{Type: config.StepWait, Name: "w", Wait: &config.WaitStep{Duration: "5ms"}}},
		}},
	}
	tc := newTC(t, cfg)
	se := newExecutor(t, tc)

	vu := NewVirtualUser(1, "basic", tc, se)
	vu.Start(context.Background())

	time.Sleep(20 * time.Millisecond)
	vu.Stop()
	waitDone(t, vu)

	assert.Greater(t, vu.Iterations(), int64(0))
	assert.Equal(t, StateStopped, vu.State())
}

func TestVULoopCount(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cfg := &config.TestConfig{
		Name: "t",
		Scenarios: []*config.Scenario{{
			Name:  "s",
			Loop:  &config.LoopConfig{Count: 3},
			Steps: []*config.Step{restStep("get", "GET", srv.URL)},
		}},
	}
	tc := newTC(t, cfg)
	se := newExecutor(t, tc)

	vu := NewVirtualUser(1, "basic", tc, se)
	vu.MaxIterations = 1
	vu.Start(context.Background())
	waitDone(t, vu)

	assert.Equal(t, int32(3), hits.Load())
}

func TestVUStopsIterationOnError(t *testing.T) {
	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failSrv.Close()

	var secondHits atomic.Int32
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		secondHits.Add(1)
	}))
	defer okSrv.Close()

	first := restStep("failing", "GET", failSrv.URL)
	first.ContinueOnError = boolPtr(false)

	cfg := &config.TestConfig{
		Name: "t",
		Scenarios: []*config.Scenario{{
			Name:  "s",
			Steps: []*config.Step{first, restStep("never reached", "GET", okSrv.URL)},
		}},
	}
	tc := newTC(t, cfg)
	se := newExecutor(t, tc)

	vu := NewVirtualUser(1, "basic", tc, se)
	vu.MaxIterations = 1
	vu.Start(context.Background())
	waitDone(t, vu)

	assert.Equal(t, int32(0), secondHits.Load())
}

func TestVUFailTestThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	step := restStep("get", "GET", srv.URL)
	step.Thresholds = []config.Threshold{
		{Metric: "status", Operator: "==", Value: 200, Action: "fail_test"},
	}
	cfg := &config.TestConfig{
		Name:      "t",
		Scenarios: []*config.Scenario{{Name: "s", Steps: []*config.Step{step}}},
	}
	tc := newTC(t, cfg)
	se := newExecutor(t, tc)

	vu := NewVirtualUser(1, "basic", tc, se)
	vu.Start(context.Background())
	waitDone(t, vu)

	assert.True(t, tc.Failed())
	assert.Equal(t, int64(1), vu.Iterations())
}

func TestFactoryMintsDisjointIDs(t *testing.T) {
	tc := newTC(t, nil)
	f := NewFactory(tc)
	defer f.Close()

	a := f.New("basic")
	b := f.New("arrivals")
	assert.Equal(t, 1, a.ID)
	assert.Equal(t, 2, b.ID)

	starts := tc.Metrics.Store.VUStarts()
	require.Len(t, starts, 2)
	assert.Equal(t, "basic", starts[0].Pattern)
	assert.Equal(t, "arrivals", starts[1].Pattern)
}
