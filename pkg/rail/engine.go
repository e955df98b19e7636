// Package rail drives the streaming policy-enforcement pipeline: input
// checks before generation, per-chunk output checks during generation,
// and a full post-stream check over the reassembled text.
package rail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/railguard/railguard/pkg/chunker"
	"github.com/railguard/railguard/pkg/domain"
	"github.com/railguard/railguard/pkg/source"
	"github.com/railguard/railguard/pkg/stage"
	"github.com/railguard/railguard/pkg/telemetry"
)

// State names a position in the pipeline state machine.
type State string

const (
	// StateIdle is the initial state before a message arrives.
	StateIdle State = "idle"
	// StateInputCheck runs the input stage.
	StateInputCheck State = "input_check"
	// StateGenerating pulls fragments and runs per-chunk output checks.
	StateGenerating State = "generating"
	// StateFinalCheck runs the full stage over the reassembled output.
	StateFinalCheck State = "final_check"
	// StateDone is the successful terminal state.
	StateDone State = "done"
	// StateRejected is the absorbing terminal state for policy blocks.
	StateRejected State = "rejected"
	// StateErrored is the terminal state for infrastructure failures.
	StateErrored State = "errored"
)

// serviceUnavailableMessage is surfaced when the generation source fails
// after its retry budget. It deliberately carries no internal detail.
const serviceUnavailableMessage = "The service is temporarily unavailable. Please try again shortly."

// truncationNotice is appended to the caller-visible stream when
// generation is cut off by an output-stage block.
const truncationNotice = "[response truncated by policy]"

// correctionNotice is the out-of-band correction emitted when the full
// post-stream check rejects text that has already been delivered. Bytes
// cannot be un-sent, so the violation is recorded and corrected instead
// of rolled back.
const correctionNotice = "The previous response did not meet policy requirements and should be disregarded."

// Config assembles an engine.
type Config struct {
	Stages   []domain.Stage
	Chunker  chunker.Config
	Source   source.Source
	Executor *stage.Executor
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	// EventBuffer sizes the event channel; zero selects a small default.
	EventBuffer int
}

// Engine executes the pipeline for one message at a time per call. An
// engine is stateless across calls and safe for concurrent Execute use.
type Engine struct {
	stages      map[domain.StageKind]domain.Stage
	executor    *stage.Executor
	src         source.Source
	chunkCfg    chunker.Config
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	eventBuffer int
}

// NewEngine validates the configuration and constructs an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("rail: generation source is required: %w", domain.ErrConfigInvalid)
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("rail: stage executor is required: %w", domain.ErrConfigInvalid)
	}
	if _, err := chunker.New(cfg.Chunker); err != nil {
		return nil, err
	}

	stages := make(map[domain.StageKind]domain.Stage, len(cfg.Stages))
	for _, st := range cfg.Stages {
		if _, dup := stages[st.Kind]; dup {
			return nil, fmt.Errorf("rail: stage %s declared twice: %w", st.Kind, domain.ErrConfigInvalid)
		}
		if st.Kind == domain.StageOutput {
			for _, rule := range st.Rules {
				if rule.Severity == domain.SeverityTransform {
					return nil, fmt.Errorf("rail: output stage rule %s: transforms belong to the full stage: %w", rule.ID, domain.ErrConfigInvalid)
				}
			}
		}
		stages[st.Kind] = st
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = 16
	}

	return &Engine{
		stages:      stages,
		executor:    cfg.Executor,
		src:         cfg.Source,
		chunkCfg:    cfg.Chunker,
		logger:      logger,
		metrics:     cfg.Metrics,
		eventBuffer: buffer,
	}, nil
}

// Execute runs the pipeline for a message against a session. Events are
// delivered on the returned channel in strict temporal order; the channel
// is closed after a terminal event. The session is read-only during the
// run; the final assistant message is appended only once a terminal state
// is reached. Cancelling ctx stops the run promptly.
func (e *Engine) Execute(ctx context.Context, message string, sess *domain.Session) <-chan domain.Event {
	out := make(chan domain.Event, e.eventBuffer)
	go e.run(ctx, message, sess, out)
	return out
}

// run drives the state machine for one request.
func (e *Engine) run(ctx context.Context, message string, sess *domain.Session, out chan<- domain.Event) {
	defer close(out)

	tracer := otel.Tracer("railguard.rail")
	ctx, span := tracer.Start(ctx, "rail.execute")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sess.ID()))

	started := time.Now()
	snapshot := sess.Snapshot()
	emitter := &emitter{ctx: ctx, out: out, metrics: e.metrics}

	terminal := e.advance(ctx, message, sess, snapshot, emitter)

	span.SetAttributes(attribute.String("rail.state", string(terminal)))
	if terminal == StateErrored {
		span.SetStatus(codes.Error, "pipeline errored")
	}
	e.metrics.RecordRun(string(terminal), time.Since(started))
	e.logger.Info("pipeline run finished",
		"session_id", sess.ID(),
		"state", string(terminal),
		"duration_ms", time.Since(started).Milliseconds(),
	)
}

// advance walks the states and returns the terminal state reached.
func (e *Engine) advance(ctx context.Context, message string, sess *domain.Session, snapshot []domain.Message, emitter *emitter) State {
	// INPUT_CHECK: must fully pass before any generation begins.
	verdict := e.runStage(ctx, domain.StageInput, message, snapshot)
	if trigger, blocked := verdict.Blocking(); blocked {
		e.recordViolations(verdict.Violations)
		rejection := rejectionMessage(trigger.Category)
		emitter.emit(domain.RejectedEvent(trigger.Category, rejection))
		sess.Append(domain.RoleUser, message)
		sess.Append(domain.RoleAssistant, rejection)
		return StateRejected
	}
	e.recordViolations(verdict.Violations)
	emitter.emitWarnings(verdict.Violations)

	prompt := message
	if verdict.Transformed != "" {
		prompt = verdict.Transformed
	}

	// GENERATING
	genCtx, cancelGen := context.WithCancel(ctx)
	defer cancelGen()

	stream, err := e.src.Generate(genCtx, prompt, snapshot)
	if err != nil {
		e.logger.Error("generation source failed to start", "error", err)
		emitter.emit(domain.ErrorEvent(serviceUnavailableMessage))
		return StateErrored
	}

	fullText, state := e.streamChunks(genCtx, cancelGen, stream, snapshot, emitter)
	if state != StateFinalCheck {
		if state == StateRejected {
			sess.Append(domain.RoleUser, message)
			sess.Append(domain.RoleAssistant, truncationNotice)
		}
		return state
	}

	// FINAL_CHECK: the full stage sees the reassembled output plus the
	// original input context.
	fullHistory := append(snapshot, domain.Message{Role: domain.RoleUser, Text: message, Ordinal: len(snapshot)})
	finalVerdict := e.runStage(ctx, domain.StageFull, fullText, fullHistory)
	e.recordViolations(finalVerdict.Violations)

	if trigger, blocked := finalVerdict.Blocking(); blocked {
		// The stream has already been delivered; mark it unsafe and
		// emit the out-of-band correction.
		emitter.emit(domain.ViolationEvent(trigger))
		emitter.emit(domain.NoticeEvent(correctionNotice))
		rejection := rejectionMessage(trigger.Category)
		emitter.emit(domain.RejectedEvent(trigger.Category, rejection))
		sess.Append(domain.RoleUser, message)
		sess.Append(domain.RoleAssistant, rejection)
		return StateRejected
	}
	emitter.emitWarnings(finalVerdict.Violations)

	finalText := fullText
	if finalVerdict.Transformed != "" {
		finalText = finalVerdict.Transformed
	}
	emitter.emit(domain.FinalEvent(finalText))
	sess.Append(domain.RoleUser, message)
	sess.Append(domain.RoleAssistant, finalText)
	return StateDone
}

// outputResult pairs a chunk with its output-stage verdict.
type outputResult struct {
	chunk   domain.Chunk
	verdict domain.Verdict
	err     error
}

// streamChunks pulls fragments, regroups them into chunks, fans each
// chunk out to the output stage, and releases cleared chunks strictly in
// sequence order even when verdicts complete out of order. It returns the
// reassembled text and the next state: StateFinalCheck on a clean end of
// stream, StateRejected on an output block, StateErrored on source
// failure.
func (e *Engine) streamChunks(ctx context.Context, cancelGen context.CancelFunc, stream source.Stream, snapshot []domain.Message, emitter *emitter) (string, State) {
	results := make(chan outputResult, e.eventBuffer)
	outputStage, hasOutput := e.stages[domain.StageOutput]

	var wg sync.WaitGroup
	dispatch := func(c domain.Chunk) {
		if !hasOutput {
			results <- outputResult{chunk: c, verdict: domain.Verdict{Pass: true}}
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			started := time.Now()
			verdict := e.executor.Run(ctx, outputStage, c.RuleText(), snapshot)
			e.metrics.RecordStage(string(domain.StageOutput), time.Since(started))
			select {
			case results <- outputResult{chunk: c, verdict: verdict}:
			case <-ctx.Done():
			}
		}()
	}

	// Pull loop: one-shot forward-only consumption of the source.
	go func() {
		defer func() {
			wg.Wait()
			close(results)
		}()

		ch, err := chunker.New(e.chunkCfg)
		if err != nil {
			results <- outputResult{err: err}
			return
		}

		for {
			fragment, err := stream.Next(ctx)
			if err == io.EOF {
				for _, c := range ch.Flush() {
					dispatch(c)
				}
				return
			}
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				select {
				case results <- outputResult{err: err}:
				case <-ctx.Done():
				}
				return
			}
			for _, c := range ch.Push(fragment) {
				dispatch(c)
			}
		}
	}()

	var assembled strings.Builder
	pending := make(map[int]outputResult)
	next := 0
	rejected := false
	errored := false

	for res := range results {
		if rejected || errored {
			continue // drain
		}
		if res.err != nil {
			e.logger.Error("generation source failed", "error", res.err)
			cancelGen()
			emitter.emit(domain.ErrorEvent(serviceUnavailableMessage))
			errored = true
			continue
		}

		pending[res.chunk.Seq] = res
		for {
			buffered, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++

			e.recordViolations(buffered.verdict.Violations)
			if trigger, blocked := buffered.verdict.Blocking(); blocked {
				// Cancel the source pull loop and in-flight checks;
				// buffered later chunks are never delivered.
				cancelGen()
				emitter.emit(domain.ViolationEvent(trigger))
				emitter.emit(domain.NoticeEvent(truncationNotice))
				rejection := rejectionMessage(trigger.Category)
				emitter.emit(domain.RejectedEvent(trigger.Category, rejection))
				rejected = true
				break
			}

			emitter.emitWarnings(buffered.verdict.Violations)
			emitter.emit(domain.ChunkEvent(buffered.chunk))
			assembled.WriteString(buffered.chunk.Text)
		}
	}

	switch {
	case errored:
		return "", StateErrored
	case rejected:
		return "", StateRejected
	case ctx.Err() != nil:
		return "", StateErrored
	default:
		return assembled.String(), StateFinalCheck
	}
}

// runStage runs the configured stage of the given kind; a missing stage
// passes trivially.
func (e *Engine) runStage(ctx context.Context, kind domain.StageKind, text string, history []domain.Message) domain.Verdict {
	st, ok := e.stages[kind]
	if !ok {
		return domain.Verdict{Pass: true}
	}
	started := time.Now()
	verdict := e.executor.Run(ctx, st, text, history)
	e.metrics.RecordStage(string(kind), time.Since(started))
	return verdict
}

func (e *Engine) recordViolations(violations []domain.Violation) {
	for _, v := range violations {
		e.metrics.RecordViolation(v.RuleID, string(v.Severity))
	}
}

// emitter serialises event delivery and honours caller cancellation.
type emitter struct {
	ctx     context.Context
	out     chan<- domain.Event
	metrics *telemetry.Metrics
	stopped bool
}

func (em *emitter) emit(ev domain.Event) {
	if em.stopped {
		return
	}
	select {
	case em.out <- ev:
		if ev.Type == domain.EventChunk {
			em.metrics.RecordChunk()
		}
	case <-em.ctx.Done():
		em.stopped = true
	}
}

// emitWarnings surfaces warn-severity violations as non-terminal events.
func (em *emitter) emitWarnings(violations []domain.Violation) {
	for _, v := range violations {
		if v.Severity == domain.SeverityWarn {
			em.emit(domain.ViolationEvent(v))
		}
	}
}

// rejectionMessage returns the deterministic, category-only rejection
// copy. Internal rule detail is never exposed.
func rejectionMessage(category string) string {
	switch category {
	case "sensitive-data":
		return "I can't process messages containing sensitive payment or identity details. Please remove card numbers or personal identifiers and try again."
	case "illegal-activity":
		return "I can't help with that request."
	case "secret-leak":
		return "The response was withheld because it contained credential-shaped content."
	default:
		return "This request was declined by policy (" + category + ")."
	}
}
