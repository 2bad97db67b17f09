package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jnb666/demos/pipeline"
	"github.com/jnb666/demos/textdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// classifies text by looking for a keyword
type fakeClassifier struct {
	mu    sync.Mutex
	calls int
}

func (c *fakeClassifier) Classify(text string) (pipeline.Prediction, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	switch {
	case strings.Contains(text, "fail"):
		return pipeline.Prediction{}, errors.New("classify failed")
	case strings.Contains(text, "good"):
		return pipeline.Prediction{Label: "LABEL_1", Score: 0.9}, nil
	case strings.Contains(text, "bad"):
		return pipeline.Prediction{Label: "LABEL_0", Score: 0.8}, nil
	}
	return pipeline.Prediction{Label: "LABEL_7", Score: 0.5}, nil
}

func (c *fakeClassifier) Manifest() pipeline.Manifest { return pipeline.Manifest{Task: pipeline.Task} }

func (c *fakeClassifier) Close() error { return nil }

type fakeSource struct {
	clf pipeline.Classifier
	err error
}

func (s fakeSource) Get() (pipeline.Classifier, error) { return s.clf, s.err }

func newTestServer(t *testing.T) (*httptest.Server, *fakeClassifier) {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "test.jsonl"),
		`{"text": "a good film", "label": 1}`,
		`{"text": "a bad film", "label": 0}`,
		`{"text": "good but labelled bad", "label": 0}`,
		`{"text": "no idea", "label": 1}`,
	)
	writeFile(t, filepath.Join(dir, "empty.jsonl"))
	writeFile(t, filepath.Join(dir, "broken.jsonl"), `{"text": "fail here", "label": 1}`)
	clf := &fakeClassifier{}
	srv := NewServer(fakeSource{clf: clf}, textdata.NewSource(dir, t.TempDir(), nil), nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, clf
}

func writeFile(t *testing.T, path string, lines ...string) {
	t.Helper()
	data := strings.Join(lines, "\n")
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
}

func postInfer(t *testing.T, url, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(url+"/infer", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	return resp.StatusCode, string(raw)
}

func TestInfer(t *testing.T) {
	ts, _ := newTestServer(t)
	tests := []struct {
		body   string
		status int
		result string
	}{
		{`{"data": "really good"}`, http.StatusOK, `1`},
		{`{"data": "really bad"}`, http.StatusOK, `0`},
		{`{"data": "whatever"}`, http.StatusOK, `"Unknown"`},
		{`{"data": ""}`, http.StatusOK, `"Unknown"`},
		{`{"text": "good"}`, http.StatusUnprocessableEntity, `{"detail":"field required: data"}`},
		{`{"data": 42}`, http.StatusUnprocessableEntity, ``},
		{`not json`, http.StatusUnprocessableEntity, ``},
		{`{"data": "fail"}`, http.StatusInternalServerError, `{"detail":"classify failed"}`},
	}
	for _, test := range tests {
		status, result := postInfer(t, ts.URL, test.body)
		assert.Equal(t, test.status, status, test.body)
		if test.result != "" {
			assert.JSONEq(t, test.result, result, test.body)
		}
	}
}

func TestUnmatchedRoutes(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	srv := NewServer(fakeSource{clf: &fakeClassifier{}}, textdata.NewSource(t.TempDir(), t.TempDir(), nil), zap.New(core).Sugar())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		method, path string
		status       int
		detail       string
	}{
		{http.MethodGet, "/infer", http.StatusMethodNotAllowed, "Method Not Allowed"},
		{http.MethodPost, "/check/test", http.StatusMethodNotAllowed, "Method Not Allowed"},
		{http.MethodGet, "/nope", http.StatusNotFound, "Not Found"},
	}
	for _, test := range tests {
		req, err := http.NewRequest(test.method, ts.URL+test.path, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		var body errorResponse
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		require.NoError(t, err, test.path)
		assert.Equal(t, test.status, resp.StatusCode, test.path)
		assert.Equal(t, test.detail, body.Detail, test.path)
		assert.NotEmpty(t, resp.Header.Get(RequestIDHeader), test.path)
	}

	// the access log line is written after the response is sent
	require.Eventually(t, func() bool {
		return logs.FilterMessage("request").Len() == len(tests)
	}, time.Second, 10*time.Millisecond)
	for _, test := range tests {
		entries := logs.FilterMessage("request").FilterField(zap.String("path", test.path)).All()
		require.Len(t, entries, 1, test.path)
		fields := entries[0].ContextMap()
		assert.EqualValues(t, test.status, fields["status"], test.path)
		assert.NotEmpty(t, fields["request_id"], test.path)
	}
}

func TestCheck(t *testing.T) {
	ts, clf := newTestServer(t)
	resp, err := http.Get(ts.URL + "/check/test")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res map[string]float64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, map[string]float64{
		"Total rows in dataset":                 4,
		"Total number of succesful predictions": 2,
		"Success percentage":                    50,
	}, res)
	clf.mu.Lock()
	assert.Equal(t, 4, clf.calls)
	clf.mu.Unlock()
}

func TestCheckErrors(t *testing.T) {
	ts, _ := newTestServer(t)
	for path, status := range map[string]int{
		"/check/validation": http.StatusNotFound,
		"/check/broken":     http.StatusInternalServerError,
		"/check/":           http.StatusNotFound,
	} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, status, resp.StatusCode, path)
	}

	resp, err := http.Get(ts.URL + "/check/empty")
	require.NoError(t, err)
	defer resp.Body.Close()
	var res CheckResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, CheckResult{}, res)
}

func TestCheckCancel(t *testing.T) {
	clf := &fakeClassifier{}
	srv := NewServer(fakeSource{clf: clf}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	split := &textdata.Split{Rows: []textdata.Row{{Text: "good", Label: 1}}}
	_, err := srv.check(ctx, srv.log, split)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, clf.calls)
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	srv := NewServer(fakeSource{err: pipeline.ErrNoManifest}, nil, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuth(t *testing.T) {
	clf := &fakeClassifier{}
	srv := NewServer(fakeSource{clf: clf}, nil, nil).WithAuth("admin", "secret")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	infer := func(user, pass string, cookies ...*http.Cookie) *http.Response {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/infer", strings.NewReader(`{"data": "good"}`))
		require.NoError(t, err)
		if user != "" {
			req.SetBasicAuth(user, pass)
		}
		for _, c := range cookies {
			req.AddCookie(c)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}
	assert.Equal(t, http.StatusUnauthorized, infer("", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, infer("admin", "wrong").StatusCode)
	resp := infer("admin", "secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookies := resp.Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, http.StatusOK, infer("", "", cookies...).StatusCode)

	// health check is not authenticated
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBOWPipeline(t *testing.T) {
	dir := t.TempDir()
	_, err := pipeline.Export(dir, pipeline.ExportOptions{Backend: "bow", Labels: []string{"negative", "positive"}, Features: 64}, nil)
	require.NoError(t, err)
	lazy := pipeline.NewLazy(dir, nil)
	defer lazy.Close()
	srv := NewServer(lazy, nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	status, result := postInfer(t, ts.URL, `{"data": "some text"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, []string{"0", "1"}, result)
	assert.True(t, lazy.Loaded())
}
