package synth

import (
	"context"
	"log/slog"
	"sync"

	"github.com/voxlabs/voxconsole/internal/segment"
)

// Result is the pipeline's output for exactly one enqueued sentence.
// Results are delivered in sentence-index order regardless of which
// synthesis call returned first. A failed or unspeakable sentence yields
// Skipped so playback can advance past it.
type Result struct {
	Index   int
	Text    string
	Audio   Audio
	Skipped bool
	Err     error
}

type job struct {
	index int
	text  string
}

// Pipeline converts ordered sentences into ordered audio, overlapping
// synthesis of sentence N+1 with delivery of sentence N. A fixed worker
// pool pulls jobs in enqueue order; a reorder gate holds any result that
// completes before its predecessors.
type Pipeline struct {
	synth  Synthesizer
	voice  string
	speed  float64
	lang   string
	logger *slog.Logger

	jobs    chan job
	results chan Result
	wg      sync.WaitGroup

	gate struct {
		sync.Mutex
		next int
		held map[int]Result
	}

	closeOnce sync.Once
}

// Options configure a pipeline for one turn.
type Options struct {
	Voice         string
	Speed         float64
	Language      string
	MaxConcurrent int
	QueueDepth    int
}

// NewPipeline starts the worker pool. ctx cancellation prevents further
// synthesis calls from starting and unblocks calls already in flight.
func NewPipeline(ctx context.Context, s Synthesizer, opts Options, logger *slog.Logger) *Pipeline {
	workers := opts.MaxConcurrent
	if workers <= 0 {
		workers = 2
	}
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	p := &Pipeline{
		synth:   s,
		voice:   opts.Voice,
		speed:   opts.Speed,
		lang:    opts.Language,
		logger:  logger.With(slog.String("component", "synth-pipeline")),
		jobs:    make(chan job, depth),
		results: make(chan Result, depth),
	}
	p.gate.held = make(map[int]Result)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(ctx)
	}
	go func() {
		p.wg.Wait()
		close(p.results)
	}()
	return p
}

// Enqueue schedules synthesis for one sentence. Sentences must be enqueued
// in index order; the turn's token loop is the only caller.
func (p *Pipeline) Enqueue(sent segment.Sentence) {
	p.jobs <- job{index: sent.Index, text: sent.Text}
}

// Close signals that no further sentences will arrive. Results still in
// flight drain through Results(), which is closed once all workers finish.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() { close(p.jobs) })
}

// Results delivers exactly one Result per enqueued sentence, in order.
func (p *Pipeline) Results() <-chan Result {
	return p.results
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for j := range p.jobs {
		p.release(p.run(ctx, j))
	}
}

func (p *Pipeline) run(ctx context.Context, j job) Result {
	if err := ctx.Err(); err != nil {
		return Result{Index: j.index, Text: j.text, Skipped: true, Err: err}
	}
	speakable := CleanForSpeech(j.text)
	if speakable == "" {
		return Result{Index: j.index, Text: j.text, Skipped: true}
	}
	audio, err := p.synth.Synthesize(ctx, Request{
		Text:     speakable,
		Voice:    p.voice,
		Speed:    p.speed,
		Language: p.lang,
	})
	if err != nil {
		p.logger.Warn("sentence synthesis failed",
			slog.Int("index", j.index),
			slog.String("error", err.Error()))
		return Result{Index: j.index, Text: j.text, Skipped: true, Err: err}
	}
	return Result{Index: j.index, Text: j.text, Audio: audio}
}

// release delivers r and any directly following held results in index
// order. The send happens under the gate lock so a later worker can never
// overtake an earlier one on the results channel.
func (p *Pipeline) release(r Result) {
	p.gate.Lock()
	defer p.gate.Unlock()
	p.gate.held[r.Index] = r
	for {
		next, ok := p.gate.held[p.gate.next]
		if !ok {
			return
		}
		delete(p.gate.held, p.gate.next)
		p.gate.next++
		p.results <- next
	}
}
