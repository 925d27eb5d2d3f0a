package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pdp-extractor/internal/checkpoint"
	"github.com/JakeFAU/pdp-extractor/internal/crawler"
	"github.com/JakeFAU/pdp-extractor/internal/crawler/crawlertest"
	"github.com/JakeFAU/pdp-extractor/internal/pipeline"
	"github.com/JakeFAU/pdp-extractor/internal/pool"
	"github.com/JakeFAU/pdp-extractor/internal/progress"
	"github.com/JakeFAU/pdp-extractor/internal/worker"
)

var fields = []string{"seller", "delivery"}

const productMarkup = `<html><body><div class="seller">Acme Retail</div><div class="delivery">Tue, 4 Feb</div></body></html>`

func markupExtractor(name string) crawler.FieldExtractor {
	return crawler.FieldExtractor{
		Field: name,
		Extract: func(ctx context.Context, doc crawler.Document) (string, error) {
			html, err := doc.HTML(ctx)
			if err != nil {
				return "", err
			}
			_, rest, ok := strings.Cut(html, `<div class="`+name+`">`)
			if !ok {
				return "", crawler.ErrFieldNotFound
			}
			value, _, _ := strings.Cut(rest, "</div>")
			return value, nil
		},
	}
}

type sliceSource struct {
	tasks []crawler.Task
	err   error
}

func (s sliceSource) ReadTasks(context.Context) ([]crawler.Task, error) {
	return s.tasks, s.err
}

func urls(n int) []crawler.Task {
	tasks := make([]crawler.Task, n)
	for i := range tasks {
		tasks[i] = crawler.Task{ID: fmt.Sprintf("https://shop.example.com/p/%d", i+1), Row: i + 1}
	}
	return tasks
}

func serve(markup string) crawlertest.NavigateFunc {
	return func(_ context.Context, rawURL string) (crawler.Document, error) {
		return &crawlertest.Document{Loc: rawURL, Markup: markup}, nil
	}
}

type recordingEmitter struct {
	mu     sync.Mutex
	stages []progress.Stage
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stages = append(e.stages, evt.Stage)
}

func (e *recordingEmitter) count(stage progress.Stage) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.stages {
		if s == stage {
			n++
		}
	}
	return n
}

type fixture struct {
	path       string
	factory    *crawlertest.Factory
	pauser     *crawlertest.NoPause
	emitter    *recordingEmitter
	poolOpened atomic.Int32
	cfg        Config
	actions    []crawler.Action
	source     crawler.TaskSource
	retryLimit int
}

func newFixture(t *testing.T, nav crawlertest.NavigateFunc, tasks []crawler.Task) *fixture {
	t.Helper()
	return &fixture{
		path:    filepath.Join(t.TempDir(), "results.csv"),
		factory: &crawlertest.Factory{Nav: nav},
		pauser:  &crawlertest.NoPause{},
		emitter: &recordingEmitter{},
		cfg: Config{
			Workers:   2,
			SaveEvery: 3,
			Worker:    worker.Config{AttemptTimeout: time.Second, PolitenessDelay: 2200 * time.Millisecond},
		},
		source:     sliceSource{tasks: tasks},
		retryLimit: 3,
	}
}

func (f *fixture) store(t *testing.T) *checkpoint.Store {
	t.Helper()
	s, err := checkpoint.New(checkpoint.Config{Path: f.path, Fields: fields})
	require.NoError(t, err)
	return s
}

func (f *fixture) dispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	reporter := &progress.Reporter{Emitter: f.emitter, RunID: [16]byte{1}}
	pipe := pipeline.New(pipeline.Config{}, f.actions, []crawler.FieldExtractor{
		markupExtractor("seller"),
		markupExtractor("delivery"),
	}, nil)
	controller := worker.NewController(
		crawler.NewExponentialRetryPolicy(f.retryLimit, time.Second, 0),
		fields,
		worker.ControllerOptions{Pauser: f.pauser, Reporter: reporter},
	)
	d, err := New(f.cfg, "run-1", Deps{
		Source: f.source,
		Store:  f.store(t),
		OpenPool: func(ctx context.Context, size int) (SessionPool, error) {
			f.poolOpened.Add(1)
			p, err := pool.New(ctx, pool.Config{Size: size, RecycleThreshold: 50}, f.factory.New, pool.Options{Pauser: f.pauser})
			if err != nil {
				return nil, err
			}
			return p, nil
		},
		Pipeline:   pipe,
		Controller: controller,
		Pauser:     f.pauser,
		Reporter:   reporter,
	})
	require.NoError(t, err)
	return d
}

func (f *fixture) persisted(t *testing.T) []crawler.Result {
	t.Helper()
	return f.store(t).Load(context.Background()).Results
}

func (f *fixture) navigations() int {
	n := 0
	for _, r := range f.factory.Created() {
		n += r.Navigations()
	}
	return n
}

func byID(results []crawler.Result) map[string]crawler.Result {
	out := make(map[string]crawler.Result, len(results))
	for _, r := range results {
		out[r.TaskID] = r
	}
	return out
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(Config{}, "run", Deps{})
	require.Error(t, err)
}

func TestRunAllSucceed(t *testing.T) {
	f := newFixture(t, serve(productMarkup), urls(5))

	summary, err := f.dispatcher(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 5, summary.Submitted)
	assert.Equal(t, 5, summary.Completed)
	assert.Equal(t, map[crawler.Status]int{crawler.StatusSuccess: 5}, summary.ByStatus)
	assert.False(t, summary.Interrupted)
	assert.False(t, summary.Running)

	results := f.persisted(t)
	require.Len(t, results, 5)
	for _, r := range results {
		assert.Equal(t, crawler.StatusSuccess, r.Status)
		assert.Equal(t, 1, r.Attempts)
		assert.Equal(t, "Acme Retail", r.Fields["seller"])
		assert.Equal(t, "Tue, 4 Feb", r.Fields["delivery"])
	}
	assert.Equal(t, 1, f.emitter.count(progress.StageRunStart))
	assert.Equal(t, 1, f.emitter.count(progress.StageRunDone))
	assert.Equal(t, 5, f.emitter.count(progress.StageTaskDone))
}

func TestRunEveryTaskGetsExactlyOneResult(t *testing.T) {
	tasks := urls(40)
	var calls sync.Map
	nav := func(_ context.Context, rawURL string) (crawler.Document, error) {
		n, _ := calls.LoadOrStore(rawURL, new(atomic.Int32))
		counter := n.(*atomic.Int32)
		switch {
		case strings.HasSuffix(rawURL, "/7"):
			return nil, &crawler.StatusError{Code: 404}
		case strings.HasSuffix(rawURL, "0") && counter.Add(1) == 1:
			return nil, errors.New("net::ERR_CONNECTION_RESET")
		}
		return &crawlertest.Document{Loc: rawURL, Markup: productMarkup}, nil
	}
	f := newFixture(t, nav, tasks)
	f.cfg.Workers = 4
	f.cfg.FlushInterval = 5 * time.Millisecond

	summary, err := f.dispatcher(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(tasks), summary.Completed)

	results := f.persisted(t)
	require.Len(t, results, len(tasks))
	got := byID(results)
	for _, task := range tasks {
		assert.Contains(t, got, task.ID)
	}
	assert.Equal(t, crawler.StatusNotFound, got["https://shop.example.com/p/7"].Status)
	assert.Equal(t, 2, got["https://shop.example.com/p/10"].Attempts)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	tasks := urls(6)
	f := newFixture(t, serve(productMarkup), tasks)

	seed := f.store(t)
	seed.Load(context.Background())
	for _, task := range tasks[:4] {
		require.NoError(t, seed.Append(crawler.Result{TaskID: task.ID, Status: crawler.StatusNotFound, Attempts: 1}))
	}
	require.NoError(t, seed.Flush(context.Background()))

	summary, err := f.dispatcher(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Resumed)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 2, f.navigations(), "checkpointed tasks must not be fetched again")

	results := f.persisted(t)
	require.Len(t, results, 6)
	assert.Equal(t, crawler.StatusNotFound, results[0].Status, "earlier results are kept as they were")
	assert.Equal(t, crawler.StatusSuccess, results[5].Status)

	again, err := f.dispatcher(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, again.Resumed)
	assert.Zero(t, again.Completed)
	assert.Equal(t, int32(1), f.poolOpened.Load(), "no renderer is opened when nothing is pending")
	assert.Len(t, f.persisted(t), 6)
}

func TestRunAppliesLimit(t *testing.T) {
	f := newFixture(t, serve(productMarkup), urls(10))
	f.cfg.Limit = 4

	summary, err := f.dispatcher(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Total)
	assert.Len(t, f.persisted(t), 4)
}

func TestRunInputErrorSchedulesNothing(t *testing.T) {
	f := newFixture(t, serve(productMarkup), nil)
	f.source = sliceSource{err: &crawler.InputError{Path: "urls.csv", Reason: "missing URL column"}}

	_, err := f.dispatcher(t).Run(context.Background())
	require.ErrorIs(t, err, crawler.ErrInputFormat)
	assert.Zero(t, f.poolOpened.Load())
	assert.Equal(t, 1, f.emitter.count(progress.StageRunError))
}

func TestRunInterruptDrainsInFlightTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var first atomic.Bool
	nav := func(_ context.Context, rawURL string) (crawler.Document, error) {
		if first.CompareAndSwap(false, true) {
			cancel()
		}
		return &crawlertest.Document{Loc: rawURL, Markup: productMarkup}, nil
	}
	tasks := urls(5)
	f := newFixture(t, nav, tasks)
	f.cfg.Workers = 1

	summary, err := f.dispatcher(t).Run(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Interrupted)
	assert.Equal(t, 1, summary.Completed)
	results := f.persisted(t)
	require.Len(t, results, 1, "the in-flight task finishes and is flushed on the way out")
	assert.Equal(t, crawler.StatusSuccess, results[0].Status)

	resumed, err := f.dispatcher(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resumed.Resumed)
	assert.Equal(t, 4, resumed.Completed)
	assert.Len(t, f.persisted(t), 5)
}

func TestRunAbandonsTasksWaitingToRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nav := func(context.Context, string) (crawler.Document, error) {
		cancel()
		return nil, &crawler.StatusError{Code: 503}
	}
	f := newFixture(t, nav, urls(1))
	f.cfg.Workers = 1

	summary, err := f.dispatcher(t).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Abandoned)
	assert.Zero(t, summary.Completed)
	assert.Empty(t, f.persisted(t), "abandoned tasks stay pending for the next run")
}

func TestRunStopsOnPoolExhaustion(t *testing.T) {
	nav := func(context.Context, string) (crawler.Document, error) {
		return nil, errors.New("target crashed")
	}
	f := newFixture(t, nav, urls(3))
	f.cfg.Workers = 1
	f.factory.FailAfter = 1

	_, err := f.dispatcher(t).Run(context.Background())
	require.ErrorIs(t, err, crawler.ErrPoolExhausted)
	assert.Equal(t, 1, f.emitter.count(progress.StageRunError))
}

func TestRunPoolOpenFailureIsFatal(t *testing.T) {
	f := newFixture(t, serve(productMarkup), urls(2))
	f.factory.FailFirst = 100

	_, err := f.dispatcher(t).Run(context.Background())
	require.ErrorIs(t, err, crawler.ErrPoolExhausted)
	assert.Empty(t, f.persisted(t))
}

func TestScenarioTransientThenSuccess(t *testing.T) {
	var calls atomic.Int32
	nav := func(_ context.Context, rawURL string) (crawler.Document, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("net::ERR_CONNECTION_RESET")
		}
		return &crawlertest.Document{Loc: rawURL, Markup: productMarkup}, nil
	}
	f := newFixture(t, nav, urls(1))
	f.cfg.Workers = 1

	_, err := f.dispatcher(t).Run(context.Background())
	require.NoError(t, err)

	results := f.persisted(t)
	require.Len(t, results, 1)
	assert.Equal(t, crawler.StatusSuccess, results[0].Status)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Len(t, results[0].Notes, 2)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 2200 * time.Millisecond}, f.pauser.Delays())
}

func TestScenarioRedirectToErrorPage(t *testing.T) {
	nav := func(context.Context, string) (crawler.Document, error) {
		return &crawlertest.Document{Loc: "https://shop.example.com/404", Markup: "<html>gone</html>"}, nil
	}
	f := newFixture(t, nav, urls(1))
	f.retryLimit = 5

	_, err := f.dispatcher(t).Run(context.Background())
	require.NoError(t, err)

	results := f.persisted(t)
	require.Len(t, results, 1)
	assert.Equal(t, crawler.StatusNotFound, results[0].Status)
	assert.Equal(t, 1, results[0].Attempts)
	require.NotEmpty(t, results[0].Notes)
	assert.Contains(t, results[0].Notes[0], "landed on https://shop.example.com/404")
	assert.Equal(t, 1, f.navigations())
}

func TestScenarioFailedActionKeepsFields(t *testing.T) {
	f := newFixture(t, serve(productMarkup), urls(1))
	f.actions = []crawler.Action{{
		Name: "select-size",
		Run: func(context.Context, crawler.Document) error {
			return errors.New("size control not clickable")
		},
	}}

	_, err := f.dispatcher(t).Run(context.Background())
	require.NoError(t, err)

	results := f.persisted(t)
	require.Len(t, results, 1)
	assert.Equal(t, crawler.StatusSuccess, results[0].Status)
	assert.Equal(t, "Acme Retail", results[0].Fields["seller"])
	assert.Equal(t, []string{"action select-size failed: size control not clickable"}, results[0].Notes)
}

func TestSnapshotAndPoolStats(t *testing.T) {
	f := newFixture(t, serve(productMarkup), urls(2))
	d := f.dispatcher(t)
	_, ok := d.PoolStats()
	assert.False(t, ok)

	_, err := d.Run(context.Background())
	require.NoError(t, err)
	stats, ok := d.PoolStats()
	require.True(t, ok)
	assert.Equal(t, 2, stats.Live)

	snap := d.Snapshot()
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, 2, snap.Completed)
}
