package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgallion1/docextract/internal/chunker"
	"github.com/dgallion1/docextract/internal/extract"
	"github.com/dgallion1/docextract/internal/markdown"
	"github.com/dgallion1/docextract/internal/progress"
)

// ErrStoreUnavailable is returned when progress writes kept failing after
// retries. The engine exits without failing the job; the batch poller will
// re-adopt it.
var ErrStoreUnavailable = errors.New("progress store unavailable")

// ClientFactory builds an LLM client for a job's persisted model selection.
type ClientFactory func(progress.LLMConfig) (extract.Client, error)

// Engine drives the per-file pipeline for one job: cache, chunk, extract,
// periodic merge, final merge, writing progress after every chunk.
type Engine struct {
	store      *progress.Store
	cache      *markdown.Cache
	newClient  ClientFactory
	log        *slog.Logger
	chunkChars int
	pdfFanOut  int

	// (source, dataset) pairs currently executing in this process; guards
	// against the poller re-adopting a row whose pair is already live on
	// another worker.
	runningMu sync.Mutex
	running   map[string]bool
}

func NewEngine(store *progress.Store, cache *markdown.Cache, newClient ClientFactory, log *slog.Logger, chunkChars, pdfFanOut int) *Engine {
	if chunkChars <= 0 {
		chunkChars = chunker.DefaultMaxChars
	}
	if pdfFanOut <= 0 {
		pdfFanOut = 10
	}
	return &Engine{
		store:      store,
		cache:      cache,
		newClient:  newClient,
		log:        log,
		chunkChars: chunkChars,
		pdfFanOut:  pdfFanOut,
		running:    make(map[string]bool),
	}
}

// Run executes the extraction pipeline for the job with the given id. It is
// a no-op if the job is not runnable or already executing in this process.
// Pause and cancel are observed at suspension points only; an in-flight LLM
// call always runs to completion.
func (e *Engine) Run(ctx context.Context, id int64) error {
	job, err := e.store.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load job %d: %w", id, err)
	}

	key := job.Source + "/" + job.Dataset
	e.runningMu.Lock()
	if e.running[key] {
		e.runningMu.Unlock()
		return nil
	}
	e.running[key] = true
	e.runningMu.Unlock()
	defer func() {
		e.runningMu.Lock()
		delete(e.running, key)
		e.runningMu.Unlock()
	}()

	log := e.log.With("job_id", id, "source", job.Source, "dataset", job.Dataset)

	switch job.Status {
	case progress.StatusScheduled:
		err := e.store.Transition(ctx, id, []progress.Status{progress.StatusScheduled},
			progress.StatusInProgress, "Extraction started")
		if errors.Is(err, progress.ErrConflict) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("adopt job %d: %w", id, err)
		}
	case progress.StatusInProgress:
		// Orphaned row from a previous process; re-adopt it where it left off.
		log.Info("re-adopting in-progress job")
	default:
		return nil
	}

	client, err := e.newClient(job.LLM)
	if err != nil {
		e.fail(ctx, id, log, fmt.Errorf("llm client: %w", err))
		return nil
	}
	defer client.Close()

	if err := e.run(ctx, job, client, log); err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			log.Error("progress store unavailable, leaving job for the poller", "error", err)
			return err
		}
		e.fail(ctx, id, log, err)
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, id int64, log *slog.Logger, cause error) {
	log.Error("extraction failed", "error", cause)
	if err := e.store.Transition(ctx, id, nil, progress.StatusFailed, cause.Error()); err != nil {
		log.Error("could not record failure", "error", err)
	}
}

// errSuspended is internal control flow: the job was paused or cancelled and
// the engine must stop producing writes.
var errSuspended = errors.New("job suspended")

func (e *Engine) run(ctx context.Context, job *progress.Job, client extract.Client, log *slog.Logger) error {
	texts, err := e.prePass(ctx, job, log)
	if err != nil {
		if errors.Is(err, errSuspended) {
			return nil
		}
		return err
	}

	processed := job.ProcessedFiles
	for i := job.CurrentFileIndex; i < len(job.Files); i++ {
		if suspended, err := e.checkSuspended(ctx, job.ID); err != nil {
			return err
		} else if suspended {
			return nil
		}

		file := job.Files[i]
		flog := log.With("file", file, "file_index", i)

		startChunk := 0
		if i == job.CurrentFileIndex && job.CurrentChunk > 0 {
			// Resuming mid-file: skip chunks already extracted.
			startChunk = job.CurrentChunk
		}

		patch := progress.Patch{
			CurrentFileIndex: ptr(i),
			CurrentFile:      ptr(file),
			CurrentChunk:     ptr(startChunk),
			FileProgress:     ptr(0.0),
		}
		if err := e.write(ctx, job, patch); err != nil {
			return err
		}

		text, ok := texts[file]
		if !ok {
			text, err = e.cache.GetMarkdown(ctx, job.Source, job.Dataset, file)
			if err != nil {
				flog.Error("file unreadable, skipping", "error", err)
				if werr := e.write(ctx, job, progress.Patch{LastError: ptr(err.Error())}); werr != nil {
					return werr
				}
				continue
			}
		}

		done, err := e.extractFile(ctx, job, client, flog, file, text, startChunk)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}

		processed++
		if err := e.write(ctx, job, progress.Patch{ProcessedFiles: ptr(processed)}); err != nil {
			return err
		}
	}

	err = e.store.Transition(ctx, job.ID, []progress.Status{progress.StatusInProgress},
		progress.StatusCompleted, "Extraction completed successfully")
	if errors.Is(err, progress.ErrConflict) {
		// Paused or cancelled between the last chunk and here; respect it.
		return nil
	}
	return err
}

// prePass converts the job's PDF files to markdown concurrently, bounded by
// the configured fan-out. Suspension is checked before and after the batch.
// Conversion errors are deferred to the sequential pass, which records them
// per file.
func (e *Engine) prePass(ctx context.Context, job *progress.Job, log *slog.Logger) (map[string]string, error) {
	var pdfs []string
	for _, f := range job.Files[min(job.CurrentFileIndex, len(job.Files)):] {
		if strings.EqualFold(filepath.Ext(f), ".pdf") {
			pdfs = append(pdfs, f)
		}
	}
	texts := make(map[string]string, len(pdfs))
	if len(pdfs) == 0 {
		return texts, nil
	}

	if suspended, err := e.checkSuspended(ctx, job.ID); err != nil {
		return nil, err
	} else if suspended {
		return nil, errSuspended
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.pdfFanOut)
	for _, file := range pdfs {
		file := file
		g.Go(func() error {
			text, err := e.cache.GetMarkdown(gctx, job.Source, job.Dataset, file)
			if err != nil {
				log.Warn("pre-pass conversion failed", "file", file, "error", err)
				return nil
			}
			mu.Lock()
			texts[file] = text
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if suspended, err := e.checkSuspended(ctx, job.ID); err != nil {
		return nil, err
	} else if suspended {
		return nil, errSuspended
	}
	return texts, nil
}

// extractFile runs the sequential chunk loop for one file. It returns
// done=false when the job was paused or cancelled mid-file.
func (e *Engine) extractFile(ctx context.Context, job *progress.Job, client extract.Client, log *slog.Logger, file, text string, startChunk int) (bool, error) {
	chunks := chunker.Split(text, e.chunkChars)
	if len(chunks) == 0 {
		chunks = []string{markdown.Placeholder}
	}
	log.Info("chunked file", "chunks", len(chunks), "start_chunk", startChunk)

	if err := e.write(ctx, job, progress.Patch{TotalChunks: ptr(len(chunks))}); err != nil {
		return false, err
	}

	var results []extract.ChunkResult
	if startChunk > 0 && len(job.MergedData) > 0 {
		// Carry forward what earlier chunks contributed, so later merges
		// still see their content without re-requesting them.
		results = append(results, extract.ChunkResult{ChunkIndex: -1, Data: job.MergedData})
	}

	for ci := startChunk; ci < len(chunks); ci++ {
		if suspended, err := e.checkSuspended(ctx, job.ID); err != nil {
			return false, err
		} else if suspended {
			return false, nil
		}

		prompt := extract.BuildExtractionPrompt(chunks[ci], job.Schema, ci, len(chunks))
		resp, err := e.generate(ctx, client, prompt)
		if err != nil {
			return false, fmt.Errorf("chunk %d of %s: %w", ci, file, err)
		}

		obj, err := extract.Parse(resp)
		if err != nil {
			// A malformed chunk response is not fatal; the merge can still
			// succeed with the remaining chunks.
			log.Warn("malformed chunk response", "chunk", ci, "error", err)
		} else {
			data, _ := extract.Project(obj["data"], job.Schema).(map[string]any)
			if data == nil {
				data = map[string]any{}
			}
			results = append(results, extract.ChunkResult{
				ChunkIndex: ci,
				Data:       data,
				Metadata:   fieldMetadata(obj["metadata"]),
			})
		}

		if ci > 0 && ci%2 == 0 {
			if err := e.merge(ctx, job, client, log, results, ci, len(chunks), false); err != nil {
				return false, err
			}
		}

		if err := e.write(ctx, job, progress.Patch{CurrentChunk: ptr(ci + 1)}); err != nil {
			return false, err
		}
	}

	lastIndex := len(chunks) - 1
	if len(chunks) == 1 {
		// A single chunk needs no model-mediated merge.
		var merged map[string]any
		if len(results) > 0 {
			merged = results[len(results)-1].Data
		} else {
			merged = map[string]any{}
		}
		entry := progress.ReasoningEntry{
			Timestamp:   time.Now().Unix(),
			ChunkIndex:  lastIndex,
			TotalChunks: len(chunks),
			Reasoning:   map[string]any{"note": "single chunk, no merge required"},
			IsFinal:     true,
		}
		if err := e.writeReasoning(ctx, job, merged, entry); err != nil {
			return false, err
		}
	} else {
		if err := e.merge(ctx, job, client, log, results, lastIndex, len(chunks), true); err != nil {
			return false, err
		}
	}

	return true, e.write(ctx, job, progress.Patch{FileProgress: ptr(1.0)})
}

// merge asks the model to reconcile the accumulated chunk results and
// records the new merged data together with the model's reasoning.
func (e *Engine) merge(ctx context.Context, job *progress.Job, client extract.Client, log *slog.Logger, results []extract.ChunkResult, chunkIndex, totalChunks int, final bool) error {
	var prompt string
	if final {
		prompt = extract.BuildFinalPrompt(results, job.Schema)
	} else {
		prompt = extract.BuildIntermediatePrompt(results, job.Schema)
	}

	resp, err := e.generate(ctx, client, prompt)
	if err != nil {
		return fmt.Errorf("merge at chunk %d: %w", chunkIndex, err)
	}
	merged, reasoning, err := extract.ParseWithReasoning(resp, job.Schema)
	if err != nil {
		log.Warn("malformed merge response", "chunk", chunkIndex, "final", final, "error", err)
		if final {
			return fmt.Errorf("final merge at chunk %d: %w", chunkIndex, err)
		}
		return nil
	}

	entry := progress.ReasoningEntry{
		Timestamp:   time.Now().Unix(),
		ChunkIndex:  chunkIndex,
		TotalChunks: totalChunks,
		Reasoning:   reasoning,
		IsFinal:     final,
	}
	return e.writeReasoning(ctx, job, merged, entry)
}

// generate calls the model with retry on transient provider errors.
func (e *Engine) generate(ctx context.Context, client extract.Client, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		resp, err := client.Generate(ctx, prompt)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return "", err
		}
		e.log.Warn("retryable llm error", "attempt", attempt, "error", err)
		select {
		case <-time.After(Backoff(attempt)):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

// checkSuspended re-reads job status from the store; pause and cancel become
// visible here and nowhere else.
func (e *Engine) checkSuspended(ctx context.Context, id int64) (bool, error) {
	job, err := e.store.GetByID(ctx, id)
	if err != nil {
		return false, fmt.Errorf("re-read status: %w", err)
	}
	return job.Status != progress.StatusInProgress, nil
}

// write applies a progress patch to the engine's own row, retrying transient
// store failures. After the retry budget is spent the engine gives up and
// leaves the job for the poller.
func (e *Engine) write(ctx context.Context, job *progress.Job, p progress.Patch) error {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		lastErr = e.store.UpdateProgress(ctx, job.ID, p)
		if lastErr == nil || !progress.IsTransient(lastErr) {
			return lastErr
		}
		select {
		case <-time.After(Backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, lastErr)
}

func (e *Engine) writeReasoning(ctx context.Context, job *progress.Job, merged map[string]any, entry progress.ReasoningEntry) error {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		lastErr = e.store.AppendReasoning(ctx, job.ID, merged, entry)
		if lastErr == nil || !progress.IsTransient(lastErr) {
			return lastErr
		}
		select {
		case <-time.After(Backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, lastErr)
}

func fieldMetadata(v any) map[string]extract.FieldMetadata {
	meta := map[string]extract.FieldMetadata{}
	if v == nil {
		return meta
	}
	b, err := json.Marshal(v)
	if err != nil {
		return meta
	}
	// Best effort; entries the model malformed are dropped.
	_ = json.Unmarshal(b, &meta)
	return meta
}

func ptr[T any](v T) *T {
	return &v
}
