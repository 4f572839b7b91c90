// Package batch runs multi-item narration jobs (whole books, whole courses)
// through the cache on a bounded worker pool.
//
// A job moves queued -> processing -> completed | completed_with_errors |
// failed. Items fail independently; a job is failed only when none of its
// items produced audio. Workers always take the next item of the highest
// priority job, ties going to the job submitted first.
package batch

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/book-expert/narration-service/internal/cache"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/metrics"
)

const defaultWorkers = 4

// Generator is the get-or-generate capability the workers drive.
type Generator interface {
	GetOrGenerate(ctx context.Context, req core.SynthesisRequest) (cache.Result, error)
}

// Config tunes the orchestrator.
type Config struct {
	// Workers is the number of items generated concurrently across all jobs.
	Workers int
	// CostPerGeneration is the estimated provider cost of one generation.
	CostPerGeneration float64
}

// FinishedFunc is called once for every job that reaches a terminal status.
type FinishedFunc func(job core.BatchJob)

// Orchestrator owns batch job state. It is the only writer of its JobStore.
type Orchestrator struct {
	store     core.JobStore
	generator Generator
	texts     core.ObjectStore
	log       *logger.Logger
	config    Config
	now       func() time.Time

	mu       sync.Mutex
	active   map[string]*jobState
	queue    jobQueue
	sequence uint64
	finished []FinishedFunc

	wake chan struct{}
}

// New creates an Orchestrator. texts resolves items that reference their text
// by blob key; it may be nil when every item carries inline text.
func New(
	store core.JobStore,
	generator Generator,
	texts core.ObjectStore,
	config Config,
	log *logger.Logger,
) *Orchestrator {
	if config.Workers < 1 {
		config.Workers = defaultWorkers
	}

	return &Orchestrator{
		store:     store,
		generator: generator,
		texts:     texts,
		log:       log,
		config:    config,
		now:       time.Now,
		mu:        sync.Mutex{},
		active:    make(map[string]*jobState),
		queue:     jobQueue{},
		sequence:  0,
		finished:  nil,
		wake:      make(chan struct{}, 1),
	}
}

// OnFinished registers fn to run after a job reaches a terminal status.
// Register listeners before Run.
func (o *Orchestrator) OnFinished(fn FinishedFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.finished = append(o.finished, fn)
}

// Submit validates spec, persists the job as queued and enqueues its items.
func (o *Orchestrator) Submit(ctx context.Context, spec core.JobSpec) (core.BatchJob, error) {
	spec, err := validateSpec(spec)
	if err != nil {
		return core.BatchJob{}, err
	}

	o.mu.Lock()
	o.sequence++
	sequence := o.sequence
	o.mu.Unlock()

	job := &core.BatchJob{
		ID:                uuid.NewString(),
		Kind:              spec.Kind,
		TargetID:          spec.TargetID,
		TargetName:        spec.TargetName,
		Priority:          spec.Priority,
		Voice:             spec.Voice,
		Items:             spec.Items,
		Status:            core.JobQueued,
		CompletedCount:    0,
		FailedCount:       0,
		CacheHitCount:     0,
		Results:           make([]core.ItemResult, len(spec.Items)),
		CostSavedEstimate: 0,
		Cancelled:         false,
		Sequence:          sequence,
		SubmittedAt:       o.now().UTC(),
		StartedAt:         nil,
		CompletedAt:       nil,
	}

	for i := range job.Results {
		job.Results[i].Index = i
	}

	err = o.store.Save(ctx, job)
	if err != nil {
		return core.BatchJob{}, fmt.Errorf("failed to persist job: %w", err)
	}

	metrics.RecordJobTransition(string(core.JobQueued))
	o.log.Info("Queued %s job %s for %s (%d items, priority %s)",
		job.Kind, job.ID, job.TargetID, len(job.Items), job.Priority)

	o.enqueue(job.Clone(), allIndexes(len(job.Items)))

	return *job, nil
}

// Job returns the current state of one job.
func (o *Orchestrator) Job(ctx context.Context, id string) (core.BatchJob, error) {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return core.BatchJob{}, err
	}

	return *job, nil
}

// Jobs lists the jobs matching filter in submission order.
func (o *Orchestrator) Jobs(ctx context.Context, filter core.JobFilter) ([]core.BatchJob, error) {
	jobs, err := o.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	matched := make([]core.BatchJob, 0, len(jobs))

	for _, job := range jobs {
		if filter.Match(job) {
			matched = append(matched, *job)
		}
	}

	return matched, nil
}

// Cancel stops a job from claiming more items. Items not yet claimed are
// recorded as failed with ErrJobCancelled; items already being generated finish
// normally and the job settles once they do.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (core.BatchJob, error) {
	o.mu.Lock()

	state, ok := o.active[id]
	if !ok {
		o.mu.Unlock()

		job, err := o.store.Get(ctx, id)
		if err != nil {
			return core.BatchJob{}, err
		}

		if job.Status.Terminal() {
			return *job, fmt.Errorf("%w: %s is %s", core.ErrJobTerminal, id, job.Status)
		}

		return o.cancelLoaded(ctx, job)
	}

	if state.index >= 0 {
		heap.Remove(&o.queue, state.index)
	}

	state.mu.Lock()
	o.mu.Unlock()

	if state.job.Status.Terminal() {
		snapshot := state.job.Clone()
		state.mu.Unlock()

		return *snapshot, fmt.Errorf("%w: %s is %s", core.ErrJobTerminal, id, snapshot.Status)
	}

	state.job.Cancelled = true
	finishedAt := o.now().UTC()

	for _, index := range state.pending {
		o.resolve(state.job, index, core.ItemResult{
			Index:       index,
			Outcome:     core.OutcomeFailed,
			Error:       core.ErrJobCancelled.Error(),
			FinishedAt:  &finishedAt,
			Fingerprint: "",
			BlobRef:     "",
		})
	}

	state.pending = nil
	terminal := o.settle(state)
	snapshot := state.job.Clone()

	err := o.store.Save(ctx, snapshot)
	state.mu.Unlock()

	if err != nil {
		return *snapshot, fmt.Errorf("failed to persist cancelled job %s: %w", id, err)
	}

	o.log.Warn("Cancelled job %s (%d/%d items resolved)", id, snapshot.ResolvedCount(), len(snapshot.Items))

	if terminal {
		o.retire(snapshot)
	}

	return *snapshot, nil
}

// cancelLoaded cancels a persisted job this instance is not running.
func (o *Orchestrator) cancelLoaded(ctx context.Context, job *core.BatchJob) (core.BatchJob, error) {
	job.Cancelled = true

	var pending []int

	for i, result := range job.Results {
		if !result.Resolved() {
			pending = append(pending, i)
		}
	}

	err := o.settleLoaded(ctx, job, pending)
	if err != nil {
		return core.BatchJob{}, err
	}

	return *job, nil
}

// Resume reloads unfinished jobs from the store and requeues every item that
// has no outcome yet. Call it once before Run.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	jobs, err := o.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list jobs for resume: %w", err)
	}

	resumed := 0

	for _, job := range jobs {
		o.mu.Lock()
		o.sequence = max(o.sequence, job.Sequence)
		_, loaded := o.active[job.ID]
		o.mu.Unlock()

		if job.Status.Terminal() || loaded {
			continue
		}

		if len(job.Results) != len(job.Items) {
			job.Results = resizeResults(job.Results, len(job.Items))
		}

		var pending []int

		for i, result := range job.Results {
			if !result.Resolved() {
				pending = append(pending, i)
			}
		}

		if job.Cancelled || len(pending) == 0 {
			err = o.settleLoaded(ctx, job, pending)
			if err != nil {
				return resumed, err
			}

			continue
		}

		o.enqueue(job, pending)

		resumed++

		o.log.Info("Resumed job %s with %d pending items", job.ID, len(pending))
	}

	return resumed, nil
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// worker has returned. Items interrupted by shutdown stay unresolved in the
// store and go back to the front of their job's queue, so a later Run in the
// same process or Resume after a restart picks them up.
func (o *Orchestrator) Run(ctx context.Context) error {
	var waitGroup sync.WaitGroup

	for worker := range o.config.Workers {
		waitGroup.Add(1)

		go func(worker int) {
			defer waitGroup.Done()

			o.work(ctx, worker)
		}(worker)
	}

	o.log.Info("Batch worker pool started with %d workers", o.config.Workers)

	waitGroup.Wait()

	return nil
}

func (o *Orchestrator) work(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}

		next, ok := o.claim()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-o.wake:
				continue
			}
		}

		metrics.WorkerBusy(1)
		o.process(ctx, worker, next)
		metrics.WorkerBusy(-1)
	}
}

// enqueue makes a job claimable.
func (o *Orchestrator) enqueue(job *core.BatchJob, pending []int) {
	state := &jobState{mu: sync.Mutex{}, job: job, pending: pending, inFlight: 0, index: -1}

	o.mu.Lock()
	o.active[job.ID] = state

	if len(pending) > 0 {
		heap.Push(&o.queue, state)
	}
	o.mu.Unlock()

	o.signal()
}

// claim takes the next item of the best job in the queue.
func (o *Orchestrator) claim() (claim, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.queue.Len() == 0 {
		return claim{}, false
	}

	state := o.queue[0]

	state.mu.Lock()
	index := state.pending[0]
	state.pending = state.pending[1:]
	state.inFlight++
	exhausted := len(state.pending) == 0
	state.mu.Unlock()

	if exhausted {
		heap.Pop(&o.queue)
	}

	if o.queue.Len() > 0 {
		o.signal()
	}

	return claim{state: state, index: index}, true
}

// signal wakes one idle worker; a woken worker that finds more work passes it on.
func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) process(ctx context.Context, worker int, next claim) {
	state := next.state
	startedAt := o.now()

	var result cache.Result

	req, genErr := o.start(ctx, next)
	if genErr == nil {
		result, genErr = o.generator.GetOrGenerate(ctx, req)
	}

	if ctx.Err() != nil {
		o.interrupted(next)

		return
	}

	finishedAt := o.now().UTC()
	itemResult := core.ItemResult{
		Index:           next.index,
		Outcome:         core.OutcomeSuccess,
		Fingerprint:     result.Fingerprint,
		BlobRef:         result.Asset.BlobRef,
		DurationSeconds: result.Asset.DurationSeconds,
		Error:           "",
		FinishedAt:      &finishedAt,
	}

	switch {
	case genErr != nil:
		itemResult.Outcome = core.OutcomeFailed
		itemResult.Error = genErr.Error()
	case result.CacheHit:
		itemResult.Outcome = core.OutcomeCacheHit
	}

	state.mu.Lock()

	state.inFlight--
	o.resolve(state.job, next.index, itemResult)
	terminal := o.settle(state)
	snapshot := state.job.Clone()

	saveErr := o.store.Save(context.WithoutCancel(ctx), snapshot)
	state.mu.Unlock()

	if saveErr != nil {
		o.log.Error("Failed to persist job %s after item %d: %v", snapshot.ID, next.index, saveErr)
	}

	if genErr != nil {
		o.log.Warn("Worker %d: job %s item %d failed after %s: %v",
			worker, snapshot.ID, next.index, time.Since(startedAt).Round(time.Millisecond), genErr)
	}

	if terminal {
		o.retire(snapshot)
	}
}

// interrupted hands an item cut short by shutdown back to its job. A cancelled
// job records the item as cancelled instead and may settle.
func (o *Orchestrator) interrupted(next claim) {
	state := next.state

	o.mu.Lock()
	state.mu.Lock()

	state.inFlight--

	if !state.job.Cancelled {
		state.pending = append([]int{next.index}, state.pending...)
		if state.index < 0 {
			heap.Push(&o.queue, state)
		}

		state.mu.Unlock()
		o.mu.Unlock()

		return
	}

	o.mu.Unlock()

	finishedAt := o.now().UTC()
	o.resolve(state.job, next.index, core.ItemResult{
		Index:       next.index,
		Outcome:     core.OutcomeFailed,
		Error:       core.ErrJobCancelled.Error(),
		FinishedAt:  &finishedAt,
		Fingerprint: "",
		BlobRef:     "",
	})
	terminal := o.settle(state)
	snapshot := state.job.Clone()

	saveErr := o.store.Save(context.Background(), snapshot)
	state.mu.Unlock()

	if saveErr != nil {
		o.log.Error("Failed to persist job %s after interrupted item %d: %v", snapshot.ID, next.index, saveErr)
	}

	if terminal {
		o.retire(snapshot)
	}
}

// start moves the job to processing on its first claim and builds the request.
func (o *Orchestrator) start(ctx context.Context, next claim) (core.SynthesisRequest, error) {
	state := next.state

	state.mu.Lock()

	if state.job.Status == core.JobQueued {
		startedAt := o.now().UTC()
		state.job.Status = core.JobProcessing
		state.job.StartedAt = &startedAt

		err := o.store.Save(ctx, state.job.Clone())
		if err != nil {
			o.log.Error("Failed to persist job %s as processing: %v", state.job.ID, err)
		}

		metrics.RecordJobTransition(string(core.JobProcessing))
	}

	item := state.job.Items[next.index]
	voice := state.job.Voice

	state.mu.Unlock()

	text, err := o.itemText(ctx, item)
	if err != nil {
		return core.SynthesisRequest{}, err
	}

	return voice.Request(text), nil
}

func (o *Orchestrator) itemText(ctx context.Context, item core.ItemSpec) (string, error) {
	if item.Text != "" || item.TextKey == "" {
		return item.Text, nil
	}

	if o.texts == nil {
		return "", fmt.Errorf("%w: item text key %q but no text store configured", core.ErrInvalidRequest, item.TextKey)
	}

	data, err := o.texts.Download(ctx, item.TextKey)
	if err != nil {
		return "", fmt.Errorf("failed to load item text %q: %w", item.TextKey, err)
	}

	return string(data), nil
}

// resolve records an item outcome and updates the counters. Callers hold the job lock.
func (o *Orchestrator) resolve(job *core.BatchJob, index int, result core.ItemResult) {
	if job.Results[index].Resolved() {
		return
	}

	job.Results[index] = result

	switch result.Outcome {
	case core.OutcomeSuccess:
		job.CompletedCount++
	case core.OutcomeCacheHit:
		job.CompletedCount++
		job.CacheHitCount++
		job.CostSavedEstimate += o.config.CostPerGeneration
	case core.OutcomeFailed, core.OutcomePending:
		job.FailedCount++
	}

	metrics.RecordItemOutcome(string(result.Outcome))
}

// settle derives the terminal status once every item resolved. Callers hold the job lock.
func (o *Orchestrator) settle(state *jobState) bool {
	job := state.job

	if job.Status.Terminal() || state.inFlight > 0 || job.ResolvedCount() < len(job.Items) {
		return false
	}

	job.Status = FinalStatus(job)
	completedAt := o.now().UTC()
	job.CompletedAt = &completedAt

	if job.StartedAt == nil {
		job.StartedAt = &completedAt
	}

	return true
}

// settleLoaded finishes a persisted job that has nothing left to run.
func (o *Orchestrator) settleLoaded(ctx context.Context, job *core.BatchJob, pending []int) error {
	state := &jobState{mu: sync.Mutex{}, job: job, pending: nil, inFlight: 0, index: -1}
	finishedAt := o.now().UTC()

	state.mu.Lock()

	for _, index := range pending {
		o.resolve(job, index, core.ItemResult{
			Index:       index,
			Outcome:     core.OutcomeFailed,
			Error:       core.ErrJobCancelled.Error(),
			FinishedAt:  &finishedAt,
			Fingerprint: "",
			BlobRef:     "",
		})
	}

	terminal := o.settle(state)
	snapshot := job.Clone()
	state.mu.Unlock()

	err := o.store.Save(ctx, snapshot)
	if err != nil {
		return fmt.Errorf("failed to persist settled job %s: %w", job.ID, err)
	}

	if terminal {
		o.notify(snapshot)
	}

	return nil
}

// retire drops a terminal job from the live set and notifies listeners.
func (o *Orchestrator) retire(job *core.BatchJob) {
	o.mu.Lock()
	delete(o.active, job.ID)
	o.mu.Unlock()

	o.notify(job)
}

func (o *Orchestrator) notify(job *core.BatchJob) {
	metrics.RecordJobTransition(string(job.Status))
	o.log.Info("Job %s finished %s: %d completed (%d cache hits), %d failed, cost saved %.2f",
		job.ID, job.Status, job.CompletedCount, job.CacheHitCount, job.FailedCount, job.CostSavedEstimate)

	o.mu.Lock()
	listeners := append([]FinishedFunc(nil), o.finished...)
	o.mu.Unlock()

	for _, fn := range listeners {
		fn(*job.Clone())
	}
}

// FinalStatus derives the terminal status of a job whose items all resolved.
func FinalStatus(job *core.BatchJob) core.JobStatus {
	switch {
	case job.CompletedCount == 0:
		return core.JobFailed
	case job.FailedCount > 0:
		return core.JobCompletedWithErrors
	default:
		return core.JobCompleted
	}
}

func validateSpec(spec core.JobSpec) (core.JobSpec, error) {
	var problems []string

	if !spec.Kind.Valid() {
		problems = append(problems, fmt.Sprintf("unknown kind %q", spec.Kind))
	}

	if strings.TrimSpace(spec.TargetID) == "" {
		problems = append(problems, "target id is empty")
	}

	if spec.Priority == "" {
		spec.Priority = core.PriorityMedium
	}

	if !spec.Priority.Valid() {
		problems = append(problems, fmt.Sprintf("unknown priority %q", spec.Priority))
	}

	if strings.TrimSpace(spec.Voice.VoiceID) == "" {
		problems = append(problems, "voice id is empty")
	}

	rate := spec.Voice.SpeakingRate
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < 0 {
		problems = append(problems, fmt.Sprintf("invalid speaking rate %v", rate))
	}

	for i, item := range spec.Items {
		if strings.TrimSpace(item.Text) == "" && strings.TrimSpace(item.TextKey) == "" {
			problems = append(problems, fmt.Sprintf("item %d has neither text nor text key", i))
		}
	}

	if len(problems) > 0 {
		return spec, fmt.Errorf("%w: %s", core.ErrInvalidRequest, strings.Join(problems, "; "))
	}

	if len(spec.Items) == 0 {
		return spec, core.ErrNoItems
	}

	return spec, nil
}

func allIndexes(n int) []int {
	indexes := make([]int, n)
	for i := range indexes {
		indexes[i] = i
	}

	return indexes
}

func resizeResults(results []core.ItemResult, n int) []core.ItemResult {
	resized := make([]core.ItemResult, n)
	copy(resized, results)

	for i := range resized {
		resized[i].Index = i
	}

	return resized
}
