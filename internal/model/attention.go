package model

import (
	"runtime"
	"sync"

	"github.com/MistApproach/callm/internal/tensor"
)

// attnContext is one attention step of one layer: every query head at pos
// against the cached rows start..pos. Cached rows are kvStride wide and
// hold kvHeads heads; query head h reads kv head h*kvHeads/nHead.
type attnContext struct {
	q, cacheK, cacheV []float32
	attnOut           []float32

	pos, start        int
	kvStride, headDim int
	nHead, kvHeads    int
	scale             float32
}

// span reports how many cached positions the step attends to.
func (c *attnContext) span() int { return c.pos - c.start + 1 }

type headRange struct {
	ctx      *attnContext
	from, to int
}

// attnPool splits the query heads of a step across long-lived workers.
// Each worker owns a scores row as long as the context window. A pool
// serves one decoder and is not safe for concurrent run calls.
type attnPool struct {
	size   int
	work   chan headRange
	wg     sync.WaitGroup
	scores [][]float32
	once   sync.Once
}

// workerCount caps the worker count at the number of heads. A non-positive
// threads value means GOMAXPROCS.
func workerCount(threads, nHead int) int {
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	return max(1, min(threads, nHead))
}

func newAttnPool(workers, maxCtx int) *attnPool {
	workers = max(workers, 1)
	maxCtx = max(maxCtx, 1)
	p := &attnPool{
		size:   workers,
		work:   make(chan headRange, workers),
		scores: make([][]float32, workers),
	}
	for i := range p.scores {
		p.scores[i] = make([]float32, maxCtx)
	}
	if workers == 1 {
		return p
	}
	for i := range workers {
		go p.worker(p.scores[i])
	}
	return p
}

func (p *attnPool) worker(scores []float32) {
	for r := range p.work {
		runAttnHeads(r.ctx, scores, r.from, r.to)
		p.wg.Done()
	}
}

// run computes every head of ctx and returns when all are written to
// ctx.attnOut. A one-worker pool runs inline on scores.
func (p *attnPool) run(ctx *attnContext, scores []float32) {
	if p.size == 1 || ctx.nHead == 1 {
		runAttnHeads(ctx, scores, 0, ctx.nHead)
		return
	}
	per := (ctx.nHead + p.size - 1) / p.size
	for from := 0; from < ctx.nHead; from += per {
		p.wg.Add(1)
		p.work <- headRange{ctx: ctx, from: from, to: min(from+per, ctx.nHead)}
	}
	p.wg.Wait()
}

func (p *attnPool) close() {
	p.once.Do(func() { close(p.work) })
}

// runAttnHeads computes query heads [from, to) of ctx with scaled
// dot-product attention over the window.
func runAttnHeads(ctx *attnContext, scores []float32, from, to int) {
	if ctx == nil || from >= to {
		return
	}
	if ctx.start < 0 || ctx.start > ctx.pos {
		panic("model: attention window starts outside the cache")
	}
	n := ctx.span()
	if n > len(scores) {
		panic("model: attention window longer than the scores buffer")
	}
	scores = scores[:n]
	hd := ctx.headDim
	for h := from; h < to; h++ {
		kvOff := h * ctx.kvHeads / ctx.nHead * hd
		q := ctx.q[h*hd : (h+1)*hd]
		for i := range scores {
			row := (ctx.start+i)*ctx.kvStride + kvOff
			scores[i] = tensor.Dot(q, ctx.cacheK[row:row+hd]) * ctx.scale
		}
		tensor.Softmax(scores)

		out := ctx.attnOut[h*hd : (h+1)*hd]
		clear(out)
		for i, w := range scores {
			row := (ctx.start+i)*ctx.kvStride + kvOff
			tensor.Axpy(out, w, ctx.cacheV[row:row+hd])
		}
	}
}
