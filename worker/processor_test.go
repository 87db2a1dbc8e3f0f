package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanworks/prospector/analyzer"
	_ "github.com/scanworks/prospector/analyzer/providers"
	"github.com/scanworks/prospector/bus"
	"github.com/scanworks/prospector/cache"
	"github.com/scanworks/prospector/extract"
	"github.com/scanworks/prospector/limiter"
	"github.com/scanworks/prospector/queue"
	"github.com/scanworks/prospector/storage"
)

const analysisJSON = `{
  "summary": "A small Go service.",
  "techStack": {"languages": ["Go"], "frameworks": [], "databases": [], "tools": [], "infrastructure": []},
  "complexity": "simple",
  "completionScore": 60,
  "maturityLevel": "mvp",
  "productionGaps": ["No CI"]
}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// serveAnalysis answers like an OpenAI-compatible endpoint whose
// completion is a well-formed analysis document.
func serveAnalysis(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"model": "test-model",
		"choices": []map[string]any{{
			"message":       map[string]string{"role": "assistant", "content": analysisJSON},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 100, "completion_tokens": 23, "total_tokens": 123},
	})
}

// harness wires a Processor against an embedded NATS server, miniredis,
// sqlmock, and a stubbed analyzer endpoint.
type harness struct {
	processor *Processor
	queue     *queue.Queue
	store     *storage.Store
	cache     *cache.Cache
	bus       *bus.Client
	mock      sqlmock.Sqlmock
	endpoint  *countingHandler
}

type countingHandler struct {
	inner http.HandlerFunc
	calls atomic.Int64
}

func (c *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.calls.Add(1)
	c.inner(w, r)
}

func newHarness(t *testing.T, handler http.HandlerFunc) *harness {
	t.Helper()
	h := &harness{}

	ns, err := natsserver.NewServer(&natsserver.Options{Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	h.bus, err = bus.Connect(ns.ClientURL(), bus.WithLogger(testLogger()))
	require.NoError(t, err)
	t.Cleanup(h.bus.Close)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	h.mock = mock
	h.store = storage.NewStore(sqlx.NewDb(db, "postgres"), testLogger())

	mr := miniredis.RunT(t)
	h.cache = cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour, testLogger())

	if handler == nil {
		handler = serveAnalysis
	}
	h.endpoint = &countingHandler{inner: handler}
	srv := httptest.NewServer(h.endpoint)
	t.Cleanup(srv.Close)

	client := analyzer.NewClient(analyzer.Config{
		Provider: "ollama",
		Model:    "test-model",
		BaseURL:  srv.URL + "/v1",
		Timeout:  5 * time.Second,
	}, analyzer.WithLogger(testLogger()))

	executor := limiter.New(limiter.Config{
		MaxConcurrent:     2,
		RequestsPerMinute: 100,
	}, limiter.WithLogger(testLogger()))

	h.queue = queue.New(queue.Config{}, testLogger())
	t.Cleanup(h.queue.Close)

	h.processor = NewProcessor(h.store, h.bus, h.cache, extract.NewExtractor(0, nil),
		client, executor, h.queue, WithLogger(testLogger()))
	return h
}

// projectDir creates a plausible small project on disk.
func projectDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# demo\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))
	return dir
}

// activeJob enqueues a payload and dequeues it so it is in the state a
// worker would hold it in.
func activeJob(t *testing.T, q *queue.Queue, payload queue.Payload) *queue.Job {
	t.Helper()
	_, err := q.Enqueue(payload)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	return job
}

func expectStatsUpdate(mock sqlmock.Sqlmock) {
	mock.ExpectExec("UPDATE projects").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func expectCompletion(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO project_analyses").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE projects").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestProcessAnalyzesAndPersists(t *testing.T) {
	h := newHarness(t, nil)
	dir := projectDir(t)

	expectStatsUpdate(h.mock)
	expectCompletion(h.mock)

	sub, err := h.bus.Subscribe(bus.EventAnalysisCompleted)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	job := activeJob(t, h.queue, queue.Payload{
		ProjectID:   "p-1",
		ProjectPath: dir,
		Priority:    "high",
	})

	require.NoError(t, h.processor.Process(context.Background(), job))
	assert.NoError(t, h.mock.ExpectationsWereMet())
	assert.EqualValues(t, 1, h.endpoint.calls.Load())

	// The result is now cached for this path and mtime.
	info, err := os.Stat(dir)
	require.NoError(t, err)
	entry, err := h.cache.Get(context.Background(), dir, info.ModTime())
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "A small Go service.", entry.Result.Summary)

	// The final milestone is mirrored onto the job record.
	snapshot, err := h.queue.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, snapshot.Progress)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, bus.EventAnalysisCompleted, ev.Type)
		assert.Equal(t, "p-1", ev.ProjectID)
	case <-time.After(5 * time.Second):
		t.Fatal("completion event never arrived")
	}
}

func TestProcessCacheHitSkipsAnalyzer(t *testing.T) {
	h := newHarness(t, nil)
	dir := projectDir(t)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	h.cache.Set(context.Background(), dir, info.ModTime(), &analyzer.Result{
		Summary:    "cached summary",
		Complexity: "simple",
	})

	// Only the persistence transaction runs; no stats refresh, no HTTP.
	expectCompletion(h.mock)

	job := activeJob(t, h.queue, queue.Payload{
		ProjectID:   "p-1",
		ProjectPath: dir,
	})

	require.NoError(t, h.processor.Process(context.Background(), job))
	assert.NoError(t, h.mock.ExpectationsWereMet())
	assert.Zero(t, h.endpoint.calls.Load())
}

func TestProcessForceRefreshBypassesCache(t *testing.T) {
	h := newHarness(t, nil)
	dir := projectDir(t)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	h.cache.Set(context.Background(), dir, info.ModTime(), &analyzer.Result{
		Summary: "stale cached summary",
	})

	expectStatsUpdate(h.mock)
	expectCompletion(h.mock)

	job := activeJob(t, h.queue, queue.Payload{
		ProjectID:    "p-1",
		ProjectPath:  dir,
		ForceRefresh: true,
	})

	require.NoError(t, h.processor.Process(context.Background(), job))
	assert.NoError(t, h.mock.ExpectationsWereMet())
	assert.EqualValues(t, 1, h.endpoint.calls.Load())
}

func TestProcessMissingPathFails(t *testing.T) {
	h := newHarness(t, nil)

	// The failure path flips the project to ERROR.
	h.mock.ExpectExec("UPDATE projects SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sub, err := h.bus.Subscribe(bus.EventAnalysisFailed)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	job := activeJob(t, h.queue, queue.Payload{
		ProjectID:   "p-1",
		ProjectPath: filepath.Join(t.TempDir(), "vanished"),
	})

	err = h.processor.Process(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no longer exists")
	assert.NoError(t, h.mock.ExpectationsWereMet())
	assert.Zero(t, h.endpoint.calls.Load())

	select {
	case ev := <-sub.Events():
		assert.Equal(t, bus.EventAnalysisFailed, ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("failure event never arrived")
	}
}

func TestProcessAnalyzerErrorFails(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	})
	dir := projectDir(t)

	expectStatsUpdate(h.mock)
	h.mock.ExpectExec("UPDATE projects SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := activeJob(t, h.queue, queue.Payload{
		ProjectID:   "p-1",
		ProjectPath: dir,
	})

	err := h.processor.Process(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analysis:")
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestAnalysisRowEncodesDynamicFields(t *testing.T) {
	result := &analyzer.Result{
		Summary:         "demo",
		TechStack:       analyzer.TechStack{Languages: []string{"Go"}},
		Complexity:      "simple",
		CompletionScore: 60,
		MaturityLevel:   "mvp",
		ProductionGaps:  []string{"No CI"},
		Model:           "test-model",
		TokensUsed:      123,
	}

	row, err := analysisRow("p-1", result, true)
	require.NoError(t, err)

	assert.Equal(t, "p-1", row.ProjectID)
	assert.Equal(t, "demo", row.Summary)
	assert.True(t, row.CacheHit)
	assert.Equal(t, 123, row.TokensUsed)
	assert.Contains(t, string(row.TechStack), `"Go"`)
	assert.Contains(t, string(row.ProductionGaps), "No CI")
}
