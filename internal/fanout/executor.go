// Package fanout dispatches one diagnostic prompt to several inference
// engines concurrently and records each engine's attempt as an inference run.
package fanout

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/carllm/internal/openrouter"
	"github.com/kalambet/carllm/internal/storage"
)

const temperature = 0.2

// RunStore persists inference runs.
type RunStore interface {
	CreateRun(ctx context.Context, r storage.InferenceRun) (storage.InferenceRun, error)
	MarkRunRunning(ctx context.Context, id string) error
	CompleteRun(ctx context.Context, id, output string) error
	FailRun(ctx context.Context, id, errMsg string) error
}

// Streamer is the streaming half of the inference provider client.
type Streamer interface {
	Stream(ctx context.Context, req openrouter.ChatRequest, reporter openrouter.Reporter) (openrouter.StreamResult, error)
}

// Observer is notified when a run reaches a terminal status.
type Observer func(model string, status storage.RunStatus)

// Dispatch describes one fan-out.
type Dispatch struct {
	ConversationID string
	MessageID      string
	Snapshot       storage.RunSnapshot
	Messages       []openrouter.Message
}

// Result is one engine's outcome. Output is empty when the engine failed.
type Result struct {
	RunID  string
	Model  string
	Output string
	Err    error
}

// Succeeded counts results that carry usable output.
func Succeeded(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Output != "" {
			n++
		}
	}
	return n
}

// RunIDs returns the run identifiers of results in order.
func RunIDs(results []Result) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.RunID
	}
	return ids
}

// Executor runs the fixed engine list.
type Executor struct {
	store    RunStore
	client   Streamer
	engines  []string
	observer Observer
	logger   *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithObserver registers a callback for terminal run statuses.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithLogger sets the executor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an Executor over engines, in the order given.
func New(store RunStore, client Streamer, engines []string, opts ...Option) *Executor {
	e := &Executor{
		store:   store,
		client:  client,
		engines: append([]string(nil), engines...),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engines returns the configured engine list.
func (e *Executor) Engines() []string {
	return append([]string(nil), e.engines...)
}

// Run creates one queued run per engine, then streams all of them
// concurrently with the shared reporter and waits for every one to finish.
// An engine failure is recorded on its run and never cancels the others.
// Results arrive in completion order. The returned error is non-nil only when
// the runs could not be created.
func (e *Executor) Run(ctx context.Context, d Dispatch, reporter openrouter.Reporter) ([]Result, error) {
	if len(e.engines) == 0 {
		return nil, fmt.Errorf("no inference engines configured")
	}

	runs := make([]storage.InferenceRun, 0, len(e.engines))
	for _, model := range e.engines {
		run, err := e.store.CreateRun(ctx, storage.InferenceRun{
			ConversationID: d.ConversationID,
			MessageID:      d.MessageID,
			Model:          model,
			PromptType:     storage.PromptAggregate,
			InputSnapshot:  d.Snapshot,
		})
		if err != nil {
			return nil, fmt.Errorf("creating run for %s: %w", model, err)
		}
		runs = append(runs, run)
	}

	results := make(chan Result, len(runs))
	var g errgroup.Group
	g.SetLimit(len(runs))
	for _, run := range runs {
		g.Go(func() error {
			results <- e.runOne(ctx, run, d.Messages, reporter)
			return nil
		})
	}
	g.Wait()
	close(results)

	out := make([]Result, 0, len(runs))
	for r := range results {
		out = append(out, r)
	}
	return out, nil
}

func (e *Executor) runOne(ctx context.Context, run storage.InferenceRun, messages []openrouter.Message, reporter openrouter.Reporter) Result {
	log := e.logger.With("run_id", run.ID, "model", run.Model)

	if err := e.store.MarkRunRunning(ctx, run.ID); err != nil {
		log.Warn("fanout: marking run running", "error", err)
	}

	res, err := e.client.Stream(ctx, openrouter.ChatRequest{
		Model:       run.Model,
		Messages:    messages,
		Temperature: openrouter.Temperature(temperature),
	}, reporter)
	if err != nil {
		log.Warn("fanout: engine failed", "error", err)
		if ferr := e.store.FailRun(ctx, run.ID, err.Error()); ferr != nil {
			log.Error("fanout: recording failed run", "error", ferr)
		}
		e.observe(run.Model, storage.RunFailed)
		return Result{RunID: run.ID, Model: run.Model, Err: err}
	}

	if cerr := e.store.CompleteRun(ctx, run.ID, res.Content); cerr != nil {
		log.Error("fanout: recording completed run", "error", cerr)
	}
	e.observe(run.Model, storage.RunCompleted)
	return Result{RunID: run.ID, Model: run.Model, Output: res.Content}
}

func (e *Executor) observe(model string, status storage.RunStatus) {
	if e.observer != nil {
		e.observer(model, status)
	}
}
