package operator

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/wizardbeard/driftcore/internal/hook"
	"github.com/wizardbeard/driftcore/internal/registry"
)

// backgroundPool is a fixed-size pool of goroutines draining a jobs
// channel, grounded on internal/evo/population_monitor.go's
// evaluatePopulation jobs/results worker pool — here fanning out
// background-bucket hook invocations instead of genome fitness
// evaluations. A panicking hook is isolated the same way
// platform.SupervisorChildStatus isolates a failing supervised task: the
// panic is recovered, logged, and counted against that bucket rather than
// taking down the pool.
type backgroundPool struct {
	jobs chan backgroundJob
	wg   sync.WaitGroup
	log  *slog.Logger

	statusMu sync.Mutex
	status   map[uint32]bucketStatus
}

type backgroundJob struct {
	bucket uint32
	hooks  []hook.Hook
	reg    *registry.Registry
}

// bucketStatus mirrors platform.SupervisorChildStatus's
// restart-count/last-error bookkeeping, scoped to a background bucket's run
// count rather than a supervised goroutine's restart count.
type bucketStatus struct {
	RunCount  int
	ErrCount  int
	LastError string
}

func newBackgroundPool(size int, logger *slog.Logger) *backgroundPool {
	p := &backgroundPool{
		jobs:   make(chan backgroundJob, size*4),
		log:    logger,
		status: make(map[uint32]bucketStatus),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.runWorker()
	}
	return p
}

func (p *backgroundPool) runWorker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.runJob(job)
	}
}

func (p *backgroundPool) runJob(job backgroundJob) {
	for _, h := range job.hooks {
		p.invoke(job.bucket, h, job.reg)
	}
}

// invoke runs a single hook with panic recovery, so one misbehaving hook in
// a bucket never kills the pool worker draining it.
func (p *backgroundPool) invoke(bucket uint32, h hook.Hook, reg *registry.Registry) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("background hook panicked: %v", r)
			p.log.Error("background hook panicked", "hook", h.ID(), "bucket", bucket, "panic", r)
			p.recordStatus(bucket, err)
		}
	}()

	err := h.Invoke(reg)
	if err != nil {
		p.log.Error("background hook invocation failed", "hook", h.ID(), "bucket", bucket, "error", err)
	}
	p.recordStatus(bucket, err)
}

func (p *backgroundPool) recordStatus(bucket uint32, err error) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	st := p.status[bucket]
	st.RunCount++
	if err != nil {
		st.ErrCount++
		st.LastError = err.Error()
	}
	p.status[bucket] = st
}

// Status returns a snapshot of a background bucket's run bookkeeping.
func (p *backgroundPool) Status(bucket uint32) bucketStatus {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	return p.status[bucket]
}

func (p *backgroundPool) submit(bucket uint32, hooks []hook.Hook, reg *registry.Registry) {
	p.jobs <- backgroundJob{bucket: bucket, hooks: hooks, reg: reg}
}

func (p *backgroundPool) stop() {
	close(p.jobs)
	p.wg.Wait()
}

// DispatchBackground implements worker.Operator: it hands one background
// bucket's hooks, plus the registry snapshot the worker already took, to
// the shared background pool. The next iteration is not gated on this
// call's completion.
func (o *Operator) DispatchBackground(bucket uint32, hooks []hook.Hook, reg *registry.Registry) {
	o.bg.submit(bucket, hooks, reg)
}
