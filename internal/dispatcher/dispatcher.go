// Package dispatcher runs an extraction job: it reads the input, skips tasks
// that already have a checkpointed result, fans the rest out to a bounded set
// of workers and funnels their results into the checkpoint store.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pdp-extractor/internal/checkpoint"
	"github.com/JakeFAU/pdp-extractor/internal/clock/system"
	"github.com/JakeFAU/pdp-extractor/internal/crawler"
	"github.com/JakeFAU/pdp-extractor/internal/pipeline"
	"github.com/JakeFAU/pdp-extractor/internal/pool"
	"github.com/JakeFAU/pdp-extractor/internal/progress"
	"github.com/JakeFAU/pdp-extractor/internal/queue/memory"
	"github.com/JakeFAU/pdp-extractor/internal/worker"
)

// Config controls a run.
type Config struct {
	// Workers is the number of concurrent workers and renderer sessions.
	Workers int
	// Limit caps how many input rows are considered; 0 means all.
	Limit int
	// SaveEvery flushes the checkpoint after this many new results.
	SaveEvery int
	// FlushInterval additionally flushes on a timer when > 0.
	FlushInterval time.Duration
	// QueueDepth bounds the task queue; defaults to 2*Workers.
	QueueDepth int
	// FinalFlushTimeout bounds the flush that runs on the way out.
	FinalFlushTimeout time.Duration
	Worker            worker.Config
}

const (
	defaultSaveEvery         = 20
	defaultFinalFlushTimeout = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.SaveEvery <= 0 {
		c.SaveEvery = defaultSaveEvery
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 2 * c.Workers
	}
	if c.FinalFlushTimeout <= 0 {
		c.FinalFlushTimeout = defaultFinalFlushTimeout
	}
	return c
}

// SessionPool is the renderer pool as the dispatcher sees it.
type SessionPool interface {
	worker.SessionPool
	Stats() pool.Stats
	Shutdown()
}

// PoolFactory opens the renderer pool. It is only called when at least one
// task is pending.
type PoolFactory func(ctx context.Context, size int) (SessionPool, error)

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Source     crawler.TaskSource
	Store      *checkpoint.Store
	OpenPool   PoolFactory
	Pipeline   *pipeline.Pipeline
	Controller *worker.Controller
	Pauser     crawler.Pauser
	Reporter   *progress.Reporter
	Clock      crawler.Clock
	Logger     *zap.Logger
}

// Summary describes a finished (or running) job.
type Summary struct {
	RunID string `json:"run_id,omitempty"`
	// Total is the number of input tasks after the limit was applied.
	Total int `json:"total"`
	// Resumed counts tasks that already had a checkpointed result.
	Resumed int `json:"resumed"`
	// Submitted counts tasks handed to the queue.
	Submitted int `json:"submitted"`
	// Completed counts results recorded during this run.
	Completed int `json:"completed"`
	// Abandoned counts tasks dropped between attempts by an interrupt.
	Abandoned   int                    `json:"abandoned"`
	ByStatus    map[crawler.Status]int `json:"by_status"`
	Interrupted bool                   `json:"interrupted"`
	Running     bool                   `json:"running"`
	StartedAt   time.Time              `json:"started_at"`
	Duration    time.Duration          `json:"duration"`
}

func (s Summary) clone() Summary {
	byStatus := make(map[crawler.Status]int, len(s.ByStatus))
	for k, v := range s.ByStatus {
		byStatus[k] = v
	}
	s.ByStatus = byStatus
	return s
}

// Dispatcher orchestrates one run.
type Dispatcher struct {
	cfg    Config
	deps   Deps
	runID  string
	logger *zap.Logger

	mu   sync.Mutex
	live Summary
	pool SessionPool
}

// New creates a Dispatcher.
func New(cfg Config, runID string, deps Deps) (*Dispatcher, error) {
	switch {
	case deps.Source == nil:
		return nil, errors.New("task source is required")
	case deps.Store == nil:
		return nil, errors.New("checkpoint store is required")
	case deps.OpenPool == nil:
		return nil, errors.New("pool factory is required")
	case deps.Pipeline == nil:
		return nil, errors.New("pipeline is required")
	case deps.Controller == nil:
		return nil, errors.New("retry controller is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Pauser == nil {
		deps.Pauser = crawler.TimerPauser{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	return &Dispatcher{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		runID:  runID,
		logger: deps.Logger.Named("dispatcher").With(zap.String("run_id", runID)),
		live:   Summary{RunID: runID, ByStatus: map[crawler.Status]int{}},
	}, nil
}

// Snapshot returns the live summary.
func (d *Dispatcher) Snapshot() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.live.clone()
	if s.Running {
		s.Duration = d.deps.Clock.Now().Sub(s.StartedAt)
	}
	return s
}

// PoolStats reports the renderer pool shape, or false before it is open.
func (d *Dispatcher) PoolStats() (pool.Stats, bool) {
	d.mu.Lock()
	p := d.pool
	d.mu.Unlock()
	if p == nil {
		return pool.Stats{}, false
	}
	return p.Stats(), true
}

func (d *Dispatcher) update(fn func(*Summary)) {
	d.mu.Lock()
	fn(&d.live)
	d.mu.Unlock()
}

// Run executes the job. Cancelling ctx stops new work; tasks in flight finish
// their current attempt, and the checkpoint is flushed before Run returns.
// Input errors and fatal pool errors are returned; an interrupt is reported
// through Summary.Interrupted.
func (d *Dispatcher) Run(ctx context.Context) (summary Summary, err error) {
	start := d.deps.Clock.Now()
	d.update(func(s *Summary) {
		s.Running = true
		s.StartedAt = start
	})
	defer func() {
		d.update(func(s *Summary) {
			s.Running = false
			s.Interrupted = ctx.Err() != nil
			s.Duration = d.deps.Clock.Now().Sub(start)
		})
		summary = d.Snapshot()
		d.finish(summary, err)
	}()

	tasks, err := d.deps.Source.ReadTasks(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("read tasks: %w", err)
	}
	if d.cfg.Limit > 0 && len(tasks) > d.cfg.Limit {
		tasks = tasks[:d.cfg.Limit]
	}

	d.deps.Store.Load(ctx)
	defer d.shutdown(ctx)
	pending := d.deps.Store.Pending(tasks)
	d.update(func(s *Summary) {
		s.Total = len(tasks)
		s.Resumed = len(tasks) - len(pending)
	})
	d.deps.Reporter.Report(progress.Event{
		Stage: progress.StageRunStart,
		Count: int64(len(pending)),
	})
	d.logger.Info("run starting",
		zap.Int("tasks", len(tasks)),
		zap.Int("pending", len(pending)),
		zap.Int("workers", d.cfg.Workers),
	)
	if len(pending) == 0 {
		return Summary{}, nil
	}
	if ctx.Err() != nil {
		return Summary{}, nil
	}

	sessions, err := d.deps.OpenPool(ctx, d.cfg.Workers)
	if err != nil {
		if ctx.Err() != nil {
			return Summary{}, nil
		}
		return Summary{}, fmt.Errorf("open renderer pool: %w", err)
	}
	d.mu.Lock()
	d.pool = sessions
	d.mu.Unlock()

	return Summary{}, d.execute(ctx, sessions, pending)
}

func (d *Dispatcher) execute(ctx context.Context, sessions SessionPool, pending []crawler.Task) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := memory.NewQueue(d.cfg.QueueDepth)
	go d.produce(runCtx, queue, pending)

	outcomes := make(chan worker.Outcome, d.cfg.Workers)
	var (
		wg       sync.WaitGroup
		fatalMu  sync.Mutex
		fatalErr error
	)
	for i := 1; i <= d.cfg.Workers; i++ {
		w := worker.New(i, sessions, d.deps.Pipeline, d.deps.Controller, d.deps.Pauser,
			d.deps.Reporter, d.cfg.Worker, d.deps.Logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(runCtx, queue, outcomes); err != nil {
				fatalMu.Lock()
				if fatalErr == nil {
					fatalErr = err
					d.logger.Error("worker failed, stopping run", zap.Error(err))
				}
				fatalMu.Unlock()
				cancel()
			}
		}()
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	d.collect(ctx, outcomes)

	fatalMu.Lock()
	defer fatalMu.Unlock()
	return fatalErr
}

func (d *Dispatcher) produce(ctx context.Context, queue *memory.Queue, pending []crawler.Task) {
	defer queue.Close()
	for _, task := range pending {
		if err := queue.Enqueue(ctx, task); err != nil {
			d.logger.Debug("producer stopped", zap.Error(err))
			return
		}
		d.update(func(s *Summary) { s.Submitted++ })
	}
}

// collect is the only caller of Store.Append during a run.
func (d *Dispatcher) collect(ctx context.Context, outcomes <-chan worker.Outcome) {
	var tick <-chan time.Time
	if d.cfg.FlushInterval > 0 {
		ticker := time.NewTicker(d.cfg.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	flushCtx := context.WithoutCancel(ctx)

	for {
		select {
		case outcome, ok := <-outcomes:
			if !ok {
				return
			}
			d.record(outcome)
			if d.deps.Store.SinceFlush() >= d.cfg.SaveEvery {
				d.flush(flushCtx)
			}
		case <-tick:
			d.flush(flushCtx)
		}
	}
}

func (d *Dispatcher) record(outcome worker.Outcome) {
	if outcome.Abandoned {
		d.update(func(s *Summary) { s.Abandoned++ })
		return
	}
	if err := d.deps.Store.Append(outcome.Result); err != nil {
		d.logger.Warn("result not recorded", zap.String("url", outcome.TaskID), zap.Error(err))
		return
	}
	d.update(func(s *Summary) {
		s.Completed++
		s.ByStatus[outcome.Result.Status]++
	})
}

func (d *Dispatcher) flush(ctx context.Context) {
	if err := d.deps.Store.Flush(ctx); err != nil {
		d.logger.Error("checkpoint flush failed", zap.Error(err))
	}
}

// shutdown runs the final flush, then closes the pool if it was opened.
func (d *Dispatcher) shutdown(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.FinalFlushTimeout)
	defer cancel()
	if err := d.deps.Store.Flush(flushCtx); err != nil {
		d.logger.Error("final checkpoint flush failed", zap.Error(err))
	} else {
		d.logger.Info("checkpoint saved", zap.String("path", d.deps.Store.Path()), zap.Int("results", d.deps.Store.Len()))
	}

	d.mu.Lock()
	sessions := d.pool
	d.mu.Unlock()
	if sessions != nil {
		sessions.Shutdown()
	}
}

func (d *Dispatcher) finish(summary Summary, err error) {
	if err != nil {
		d.deps.Reporter.Report(progress.Event{Stage: progress.StageRunError, Note: err.Error(), Dur: summary.Duration})
		d.logger.Error("run failed", zap.Error(err))
		return
	}
	d.deps.Reporter.Report(progress.Event{
		Stage: progress.StageRunDone,
		Count: int64(summary.Completed),
		Dur:   summary.Duration,
	})
	d.logger.Info("run finished",
		zap.Int("total", summary.Total),
		zap.Int("resumed", summary.Resumed),
		zap.Int("completed", summary.Completed),
		zap.Int("abandoned", summary.Abandoned),
		zap.Bool("interrupted", summary.Interrupted),
		zap.Duration("duration", summary.Duration),
	)
}
