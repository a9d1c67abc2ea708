package worker

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func newWorker(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer("", quietLogger()).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func testConfigJSON(t *testing.T, target string) []byte {
	t.Helper()
	doc := map[string]interface{}{
		"name": "dist-slice",
		"load": map[string]interface{}{"pattern": "basic", "virtual_users": 1},
		"scenarios": []map[string]interface{}{{
			"name": "s",
			"steps": []map[string]interface{}{{
				"type": "rest",
				"name": "get",
				"rest": map[string]interface{}{"method": "GET", "url": target},
			}},
		}},
	}
	raw, err := json.Marshal(map[string]interface{}{"config": doc})
	require.NoError(t, err)
	return raw
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body []byte, out interface{}) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv := newWorker(t)
	var body map[string]interface{}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestStatusIdle(t *testing.T) {
	srv := newWorker(t)
	var body map[string]interface{}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/status", &body))
	assert.Equal(t, "idle", body["state"])
	assert.Equal(t, true, body["connected"])
	assert.Equal(t, false, body["running"])
	assert.Equal(t, false, body["activeRunner"])
	assert.Equal(t, 0.0, body["virtualUsers"])
	assert.Equal(t, 0.0, body["rps"])
}

func TestStartWithoutPrepare(t *testing.T) {
	srv := newWorker(t)
	assert.Equal(t, http.StatusConflict, postJSON(t, srv.URL+"/start", nil, nil))
}

func TestResultsWithoutPrepare(t *testing.T) {
	srv := newWorker(t)
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/results", nil))
}

func TestPrepareRejectsBadConfig(t *testing.T) {
	srv := newWorker(t)
	code := postJSON(t, srv.URL+"/prepare", []byte(`{"config":{"name":"x"}}`), nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPrepareRejectsNonPost(t *testing.T) {
	srv := newWorker(t)
	assert.Equal(t, http.StatusMethodNotAllowed, getJSON(t, srv.URL+"/prepare", nil))
}

func TestFullRunLifecycle(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer target.Close()

	srv := newWorker(t)

	var prepared map[string]interface{}
	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/prepare", testConfigJSON(t, target.URL), &prepared))
	assert.Equal(t, "dist-slice", prepared["prepared"])

	var status map[string]interface{}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/status", &status))
	assert.Equal(t, "prepared", status["state"])
	assert.Equal(t, true, status["activeRunner"])
	assert.Equal(t, false, status["running"])

	var started map[string]interface{}
	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/start", []byte(`{}`), &started))
	assert.Equal(t, true, started["started"])

	// Double start is rejected.
	assert.Equal(t, http.StatusConflict, postJSON(t, srv.URL+"/start", []byte(`{}`), nil))

	require.Eventually(t, func() bool {
		var st map[string]interface{}
		getJSON(t, srv.URL+"/status", &st)
		return st["state"] == "finished"
	}, 10*time.Second, 50*time.Millisecond)

	var results struct {
		Results []struct {
			VUID     int    `json:"vu_id"`
			Scenario string `json:"scenario"`
			Success  bool   `json:"success"`
		} `json:"results"`
		Summary struct {
			TestName      string `json:"test_name"`
			TotalRequests int64  `json:"total_requests"`
			SuccessCount  int64  `json:"success_count"`
		} `json:"summary"`
		Error string `json:"error"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/results", &results))
	require.Len(t, results.Results, 1)
	assert.Equal(t, "s", results.Results[0].Scenario)
	assert.True(t, results.Results[0].Success)
	assert.Equal(t, "dist-slice", results.Summary.TestName)
	assert.Equal(t, int64(1), results.Summary.TotalRequests)
	assert.Equal(t, int64(1), results.Summary.SuccessCount)
	assert.Empty(t, results.Error)

	// The worker is reusable once the run finished.
	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/prepare", testConfigJSON(t, target.URL), nil))
}

func TestBarePayloadAccepted(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer target.Close()

	srv := newWorker(t)

	doc := map[string]interface{}{
		"name": "bare",
		"load": map[string]interface{}{"pattern": "basic", "virtual_users": 1},
		"scenarios": []map[string]interface{}{{
			"name": "s",
			"steps": []map[string]interface{}{{
				"type": "rest",
				"name": "get",
				"rest": map[string]interface{}{"method": "GET", "url": target.URL},
			}},
		}},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	var prepared map[string]interface{}
	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/prepare", raw, &prepared))
	assert.Equal(t, "bare", prepared["prepared"])
}

func TestStopWithoutRun(t *testing.T) {
	srv := newWorker(t)
	assert.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/stop", nil, nil))
}
