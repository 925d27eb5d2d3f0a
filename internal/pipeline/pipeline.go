// Package pipeline runs page interactions and field extractors against a
// loaded document. Failures are recorded as notes and never abort the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pdp-extractor/internal/crawler"
)

// Output is what one pipeline pass produced. A key present in Fields means
// the field was found.
type Output struct {
	Fields map[string]string
	Notes  []string
}

// Config bounds individual steps.
type Config struct {
	// ActionTimeout caps each pre-extraction action; zero means no cap.
	ActionTimeout time.Duration
}

// Pipeline is a reusable, stateless list of actions and extractors.
type Pipeline struct {
	cfg        Config
	actions    []crawler.Action
	extractors []crawler.FieldExtractor
	logger     *zap.Logger
}

// New builds a Pipeline.
func New(cfg Config, actions []crawler.Action, extractors []crawler.FieldExtractor, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:        cfg,
		actions:    append([]crawler.Action(nil), actions...),
		extractors: append([]crawler.FieldExtractor(nil), extractors...),
		logger:     logger.Named("pipeline"),
	}
}

// Fields returns the names of the fields the pipeline extracts, in order.
func (p *Pipeline) Fields() []string {
	names := make([]string, 0, len(p.extractors))
	for _, e := range p.extractors {
		names = append(names, e.Field)
	}
	return names
}

// Run executes the configured actions and extractors against doc.
func (p *Pipeline) Run(ctx context.Context, doc crawler.Document) Output {
	return run(ctx, doc, p.actions, p.extractors, p.cfg, p.logger)
}

// Run executes actions then extractors against doc with no step timeouts.
func Run(ctx context.Context, doc crawler.Document, actions []crawler.Action, extractors []crawler.FieldExtractor) Output {
	return run(ctx, doc, actions, extractors, Config{}, zap.NewNop())
}

func run(
	ctx context.Context,
	doc crawler.Document,
	actions []crawler.Action,
	extractors []crawler.FieldExtractor,
	cfg Config,
	logger *zap.Logger,
) Output {
	out := Output{Fields: make(map[string]string, len(extractors))}
	cached := newSnapshotDocument(doc)

	for _, action := range actions {
		if action.Run == nil {
			continue
		}
		if err := runAction(ctx, cached, action, cfg.ActionTimeout); err != nil {
			if errors.Is(err, crawler.ErrActionUnsupported) {
				logger.Debug("action skipped", zap.String("action", action.Name))
				continue
			}
			logger.Debug("action failed", zap.String("action", action.Name), zap.Error(err))
			out.Notes = append(out.Notes, fmt.Sprintf("action %s failed: %v", action.Name, err))
		}
	}

	for _, extractor := range extractors {
		if extractor.Extract == nil {
			continue
		}
		value, err := runExtractor(ctx, cached, extractor)
		value = strings.TrimSpace(value)
		switch {
		case err != nil && !errors.Is(err, crawler.ErrFieldNotFound):
			out.Notes = append(out.Notes, fmt.Sprintf("%s not found: %v", extractor.Field, err))
		case value == "":
			out.Notes = append(out.Notes, extractor.Field+" not found")
		default:
			out.Fields[extractor.Field] = value
		}
	}
	return out
}

func runAction(ctx context.Context, doc crawler.Document, action crawler.Action, timeout time.Duration) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return action.Run(ctx, doc)
}

func runExtractor(ctx context.Context, doc crawler.Document, extractor crawler.FieldExtractor) (value string, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = ""
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return extractor.Extract(ctx, doc)
}

// snapshotDocument caches the serialized DOM until the page is interacted with.
type snapshotDocument struct {
	crawler.Document

	mu    sync.Mutex
	html  string
	valid bool
}

func newSnapshotDocument(doc crawler.Document) *snapshotDocument {
	return &snapshotDocument{Document: doc}
}

func (d *snapshotDocument) HTML(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.valid {
		return d.html, nil
	}
	html, err := d.Document.HTML(ctx)
	if err != nil {
		return "", err
	}
	d.html, d.valid = html, true
	return html, nil
}

func (d *snapshotDocument) invalidate() {
	d.mu.Lock()
	d.valid = false
	d.html = ""
	d.mu.Unlock()
}

func (d *snapshotDocument) Click(ctx context.Context, selector string) error {
	defer d.invalidate()
	return d.Document.Click(ctx, selector)
}

func (d *snapshotDocument) Fill(ctx context.Context, selector, value string, submit bool) error {
	defer d.invalidate()
	return d.Document.Fill(ctx, selector, value, submit)
}

func (d *snapshotDocument) Press(ctx context.Context, key string) error {
	defer d.invalidate()
	return d.Document.Press(ctx, key)
}

func (d *snapshotDocument) Evaluate(ctx context.Context, expression string, out any) error {
	defer d.invalidate()
	return d.Document.Evaluate(ctx, expression, out)
}
