// Package batch provides chunked, concurrency-bounded item processing.
package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quantvalue/qvf/internal/domain"
	"github.com/quantvalue/qvf/internal/logger"
)

// Default tuning values.
const (
	DefaultChunkSize   = 100
	DefaultConcurrency = 5
)

// Chunk is one fixed-size slice of the input list.
type Chunk struct {
	Index int
	Items []domain.Item
}

// ChunkResult reports per-item outcomes of one chunk.
type ChunkResult struct {
	Succeeded int
	Failed    int
	Skipped   int
	Scores    []domain.Score
	Errors    []string
}

// ChunkFunc processes one chunk. An error fails the chunk without aborting
// its siblings.
type ChunkFunc func(ctx context.Context, chunk Chunk) (ChunkResult, error)

// ProgressFunc receives completed-chunk / total-chunk progress.
type ProgressFunc func(completed, total int)

// Result merges every chunk outcome of one Process call.
type Result struct {
	TotalChunks     int
	CompletedChunks int
	FailedChunks    int

	Succeeded int
	Failed    int
	Skipped   int

	Scores      []domain.Score
	ItemErrors  []string
	ChunkErrors map[int]string

	Duration time.Duration
}

// Processor splits item lists into chunks and runs them with bounded
// concurrency. Chunks in flight are tracked by index so current parallelism
// is observable.
type Processor struct {
	chunkSize   int
	concurrency int
	logger      logger.Logger

	mu       sync.Mutex
	inflight map[int]struct{}
}

// New creates a Processor. Non-positive tuning values fall back to defaults.
func New(chunkSize, concurrency int, log logger.Logger) *Processor {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Processor{
		chunkSize:   chunkSize,
		concurrency: concurrency,
		logger:      log,
		inflight:    make(map[int]struct{}),
	}
}

// ChunkCount returns how many chunks n items split into.
func (p *Processor) ChunkCount(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + p.chunkSize - 1) / p.chunkSize
}

// InFlight returns the indexes of chunks currently processing, sorted.
func (p *Processor) InFlight() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]int, 0, len(p.inflight))
	for id := range p.inflight {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Process runs fn across every chunk of items under the concurrency bound.
// One chunk's failure is recorded and excluded from the merged result rather
// than aborting sibling chunks. Context cancellation stops dispatching new
// chunks; chunks already running finish. The partial result is returned
// alongside ctx.Err() in that case.
func (p *Processor) Process(ctx context.Context, items []domain.Item, fn ChunkFunc, progress ProgressFunc) (*Result, error) {
	start := time.Now()
	result := &Result{
		TotalChunks: p.ChunkCount(len(items)),
		ChunkErrors: make(map[int]string),
	}
	if len(items) == 0 {
		result.Duration = time.Since(start)
		return result, nil
	}

	p.logger.Info("batch processing started",
		logger.Int("items", len(items)),
		logger.Int("chunks", result.TotalChunks),
		logger.Int("chunk_size", p.chunkSize),
		logger.Int("concurrency", p.concurrency),
	)

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex // guards result and progress counts

	dispatched := 0
	for index := 0; index < result.TotalChunks; index++ {
		// Stop dispatching once the caller gave up.
		if ctx.Err() != nil {
			break
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		lo := index * p.chunkSize
		hi := min(lo+p.chunkSize, len(items))
		chunk := Chunk{Index: index, Items: items[lo:hi]}
		dispatched++

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			p.trackChunk(chunk.Index, true)
			chunkResult, err := fn(ctx, chunk)
			p.trackChunk(chunk.Index, false)

			mu.Lock()
			defer mu.Unlock()

			result.CompletedChunks++
			if err != nil {
				result.FailedChunks++
				result.ChunkErrors[chunk.Index] = err.Error()
				result.Failed += len(chunk.Items)
				p.logger.Warn("chunk failed",
					logger.Int("chunk", chunk.Index),
					logger.Int("items", len(chunk.Items)),
					logger.Error(err),
				)
			} else {
				result.Succeeded += chunkResult.Succeeded
				result.Failed += chunkResult.Failed
				result.Skipped += chunkResult.Skipped
				result.Scores = append(result.Scores, chunkResult.Scores...)
				result.ItemErrors = append(result.ItemErrors, chunkResult.Errors...)
			}

			if progress != nil {
				progress(result.CompletedChunks, result.TotalChunks)
			}
		}()
	}

	wg.Wait()
	result.Duration = time.Since(start)

	p.logger.Info("batch processing complete",
		logger.Int("chunks_completed", result.CompletedChunks),
		logger.Int("chunks_failed", result.FailedChunks),
		logger.Int("succeeded", result.Succeeded),
		logger.Int("failed", result.Failed),
		logger.Duration("duration", result.Duration),
	)

	if ctx.Err() != nil && dispatched < result.TotalChunks {
		return result, ctx.Err()
	}
	return result, nil
}

func (p *Processor) trackChunk(index int, active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if active {
		p.inflight[index] = struct{}{}
	} else {
		delete(p.inflight, index)
	}
}
