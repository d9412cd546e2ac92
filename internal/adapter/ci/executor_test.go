package ci

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paastel-io/paastel/internal/domain"
	"github.com/paastel-io/paastel/internal/port"
)

// fakeCI 模拟外部 CI：作业在 polls 次状态查询后进入 final 状态，日志逐段追加。
type fakeCI struct {
	mu        sync.Mutex
	polls     int
	final     jobStatus
	logParts  []string
	submitted []submitRequest
	keys      []string
	auth      string
	canceled  bool
	block     bool
}

func (f *fakeCI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.submitted = append(f.submitted, req)
		f.keys = append(f.keys, r.Header.Get("Idempotency-Key"))
		f.auth = r.Header.Get("Authorization")
		f.mu.Unlock()
		json.NewEncoder(w).Encode(jobStatus{ID: "j1", Status: jobQueued, URL: "https://ci.example.com/j1"})
	})
	mux.HandleFunc("GET /api/v1/jobs/j1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.polls++
		if f.block || f.polls < 3 {
			json.NewEncoder(w).Encode(jobStatus{ID: "j1", Status: jobRunning})
			return
		}
		json.NewEncoder(w).Encode(f.final)
	})
	mux.HandleFunc("GET /api/v1/jobs/j1/logs", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		var all string
		n := f.polls + 1
		if n > len(f.logParts) {
			n = len(f.logParts)
		}
		for _, p := range f.logParts[:n] {
			all += p
		}
		if offset < len(all) {
			w.Write([]byte(all[offset:]))
		}
	})
	mux.HandleFunc("POST /api/v1/jobs/j1/cancel", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.canceled = true
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newExecutor(t *testing.T, f *fakeCI) *DelegateExecutor {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	e := NewDelegateExecutor(srv.URL+"/", "secret")
	e.pollInterval = 5 * time.Millisecond
	return e
}

func request() port.StepRequest {
	return port.StepRequest{
		BuildID:     5,
		StepID:      11,
		Name:        "build",
		Attempt:     1,
		AppSlug:     "web",
		Source:      domain.SourceRef{Tag: "v1.2.0"},
		TargetImage: "registry.example.com/paastel/web:build-5",
		Spec: port.StepSpec{
			Image:   "gcr.io/kaniko-project/executor:v1.23.2",
			Command: []string{"/kaniko/executor"},
			Timeout: time.Minute,
		},
	}
}

func TestDelegateExecutor_Success(t *testing.T) {
	f := &fakeCI{
		final:    jobStatus{ID: "j1", Status: jobSucceeded, ImageRef: "registry.example.com/paastel/web@sha256:abc"},
		logParts: []string{"step 1\n", "step 2\n", "step 3\n", "done\n"},
	}
	e := newExecutor(t, f)
	req := request()
	req.Spec.ProducesImage = true

	var logs bytes.Buffer
	out, err := e.Execute(context.Background(), req, &logs)
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com/paastel/web@sha256:abc", out.ImageRef)
	assert.Equal(t, "step 1\nstep 2\nstep 3\ndone\n", logs.String(), "logs are fetched incrementally without duplication")

	require.Len(t, f.submitted, 1)
	sub := f.submitted[0]
	assert.Equal(t, "paastel-b5-s11-a1", sub.Name)
	assert.Equal(t, int64(60), sub.TimeoutSeconds)
	assert.Equal(t, "v1.2.0", sub.Env["PAASTEL_SOURCE_REF"])
	assert.Equal(t, "5-11-1", f.keys[0])
	assert.Equal(t, "Bearer secret", f.auth)
}

func TestDelegateExecutor_FailedJobIsPermanent(t *testing.T) {
	f := &fakeCI{final: jobStatus{ID: "j1", Status: jobFailed, Message: "tests failed"}}
	e := newExecutor(t, f)

	_, err := e.Execute(context.Background(), request(), &bytes.Buffer{})
	se := port.AsStepError(err)
	require.NotNil(t, se)
	assert.False(t, se.Retryable)
	assert.Equal(t, "tests failed", se.Message)
}

func TestDelegateExecutor_CancelPropagates(t *testing.T) {
	f := &fakeCI{block: true}
	e := newExecutor(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.Execute(ctx, request(), &bytes.Buffer{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.True(t, f.canceled)
}

func TestDelegateExecutor_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error", http.StatusBadGateway, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := NewDelegateExecutor(srv.URL, "").Execute(context.Background(), request(), &bytes.Buffer{})
			se := port.AsStepError(err)
			require.NotNil(t, se)
			assert.Equal(t, tt.retryable, se.Retryable)
			assert.Contains(t, se.Message, "nope")
		})
	}
}
