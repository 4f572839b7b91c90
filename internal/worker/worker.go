// Package worker exposes the batch orchestrator and the ledger over NATS
// request/reply and publishes an event for every finished job.
//
// Subjects hang off a configurable prefix:
//
//	<prefix>.submit     JobSpec in, BatchJob out
//	<prefix>.status     job id in, BatchJob out
//	<prefix>.cancel     job id in, BatchJob out
//	<prefix>.ledger     window in, ledger.Report out
//	<prefix>.completed  JobCompletedEvent, published
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/narration-service/internal/batch"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/ledger"
)

const handleMessageTimeout = 30 * time.Second

// Subject suffixes.
const (
	SubjectSubmit    = "submit"
	SubjectStatus    = "status"
	SubjectCancel    = "cancel"
	SubjectLedger    = "ledger"
	SubjectCompleted = "completed"
)

// Error codes carried in replies.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeInternal       = "internal"
)

// Jobs is the batch surface the worker serves.
type Jobs interface {
	Submit(ctx context.Context, spec core.JobSpec) (core.BatchJob, error)
	Job(ctx context.Context, id string) (core.BatchJob, error)
	Cancel(ctx context.Context, id string) (core.BatchJob, error)
}

// Reporter produces ledger reports.
type Reporter interface {
	Report(ctx context.Context, window ledger.Window) (ledger.Report, error)
}

// SubmitRequest asks for a new batch job.
type SubmitRequest struct {
	Header events.EventHeader `json:"header"`
	Job    core.JobSpec       `json:"job"`
}

// JobRequest names an existing job.
type JobRequest struct {
	Header events.EventHeader `json:"header"`
	JobID  string             `json:"job_id"`
}

// LedgerRequest asks for a ledger report over a submission window.
type LedgerRequest struct {
	Header events.EventHeader `json:"header"`
	Since  time.Time          `json:"since"`
	Until  time.Time          `json:"until"`
}

// Reply answers every request. Exactly one of Job, Ledger or Error is set.
type Reply struct {
	Header    events.EventHeader `json:"header"`
	Job       *core.BatchJob     `json:"job,omitempty"`
	Ledger    *ledger.Report     `json:"ledger,omitempty"`
	Error     string             `json:"error,omitempty"`
	ErrorCode string             `json:"error_code,omitempty"`
}

// JobCompletedEvent is published when a job reaches a terminal status.
type JobCompletedEvent struct {
	Header   events.EventHeader `json:"header"`
	Job      core.BatchJob      `json:"job"`
	Playlist batch.Playlist     `json:"playlist"`
}

// NatsWorker answers job and ledger requests on NATS subjects.
type NatsWorker struct {
	natsConnection *nats.Conn
	prefix         string
	jobs           Jobs
	reporter       Reporter
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	prefix string,
	jobs Jobs,
	reporter Reporter,
	log *logger.Logger,
) *NatsWorker {
	return &NatsWorker{
		natsConnection: natsConnection,
		prefix:         prefix,
		jobs:           jobs,
		reporter:       reporter,
		log:            log,
	}
}

// Subject joins the prefix and a suffix.
func Subject(prefix, suffix string) string {
	return prefix + "." + suffix
}

// Run subscribes to every request subject and blocks until ctx is done.
func (w *NatsWorker) Run(ctx context.Context) error {
	handlers := map[string]nats.MsgHandler{
		SubjectSubmit: w.handleSubmit,
		SubjectStatus: w.handleStatus,
		SubjectCancel: w.handleCancel,
		SubjectLedger: w.handleLedger,
	}

	subscriptions := make([]*nats.Subscription, 0, len(handlers))

	for suffix, handler := range handlers {
		subject := Subject(w.prefix, suffix)

		sub, err := w.natsConnection.Subscribe(subject, handler)
		if err != nil {
			_ = drainAll(subscriptions)

			return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
		}

		subscriptions = append(subscriptions, sub)
	}

	w.log.Info("Listening for job requests on %s.>", w.prefix)

	<-ctx.Done()

	drainErr := drainAll(subscriptions)
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscriptions: %w", drainErr)
	}

	return nil
}

// PublishCompleted announces a finished job. It matches batch.FinishedFunc.
func (w *NatsWorker) PublishCompleted(job core.BatchJob) {
	event := JobCompletedEvent{
		Header:   newHeader(events.EventHeader{WorkflowID: job.ID}),
		Job:      job,
		Playlist: batch.BuildPlaylist(&job),
	}

	data, err := json.Marshal(event)
	if err != nil {
		w.log.Error("Failed to marshal completion event for job %s: %v", job.ID, err)

		return
	}

	err = w.natsConnection.Publish(Subject(w.prefix, SubjectCompleted), data)
	if err != nil {
		w.log.Error("Failed to publish completion event for job %s: %v", job.ID, err)
	}
}

func (w *NatsWorker) handleSubmit(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	var request SubmitRequest

	err := json.Unmarshal(msg.Data, &request)
	if err != nil {
		w.respondError(msg, request.Header, fmt.Errorf("%w: %w", core.ErrInvalidRequest, err))

		return
	}

	job, err := w.jobs.Submit(ctx, request.Job)
	if err != nil {
		w.respondError(msg, request.Header, err)

		return
	}

	w.respond(msg, Reply{Header: newHeader(request.Header), Job: &job})
}

func (w *NatsWorker) handleStatus(msg *nats.Msg) {
	w.handleJob(msg, w.jobs.Job)
}

func (w *NatsWorker) handleCancel(msg *nats.Msg) {
	w.handleJob(msg, w.jobs.Cancel)
}

func (w *NatsWorker) handleJob(msg *nats.Msg, operation func(context.Context, string) (core.BatchJob, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	var request JobRequest

	err := json.Unmarshal(msg.Data, &request)
	if err == nil && request.JobID == "" {
		err = errors.New("job_id is empty")
	}

	if err != nil {
		w.respondError(msg, request.Header, fmt.Errorf("%w: %w", core.ErrInvalidRequest, err))

		return
	}

	job, err := operation(ctx, request.JobID)
	if err != nil {
		w.respondError(msg, request.Header, err)

		return
	}

	w.respond(msg, Reply{Header: newHeader(request.Header), Job: &job})
}

func (w *NatsWorker) handleLedger(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	var request LedgerRequest

	if len(msg.Data) > 0 {
		err := json.Unmarshal(msg.Data, &request)
		if err != nil {
			w.respondError(msg, request.Header, fmt.Errorf("%w: %w", core.ErrInvalidRequest, err))

			return
		}
	}

	report, err := w.reporter.Report(ctx, ledger.Window{Since: request.Since, Until: request.Until})
	if err != nil {
		w.respondError(msg, request.Header, err)

		return
	}

	w.respond(msg, Reply{Header: newHeader(request.Header), Ledger: &report})
}

func (w *NatsWorker) respondError(msg *nats.Msg, header events.EventHeader, err error) {
	code := ErrorCode(err)
	if code == CodeInternal {
		w.log.Error("Request on %s failed: %v", msg.Subject, err)
	}

	w.respond(msg, Reply{Header: newHeader(header), Error: err.Error(), ErrorCode: code})
}

// respond marshals and sends the reply.
func (w *NatsWorker) respond(msg *nats.Msg, reply Reply) {
	data, err := json.Marshal(reply)
	if err != nil {
		w.log.Error("Failed to marshal reply on %s: %v", msg.Subject, err)

		return
	}

	err = msg.Respond(data)
	if err != nil {
		w.log.Error("Failed to publish reply on %s: %v", msg.Subject, err)
	}
}

// ErrorCode classifies err for replies.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidRequest), errors.Is(err, core.ErrNoItems):
		return CodeInvalidRequest
	case errors.Is(err, core.ErrJobNotFound):
		return CodeNotFound
	case errors.Is(err, core.ErrJobTerminal):
		return CodeConflict
	default:
		return CodeInternal
	}
}

// newHeader keeps the caller's workflow, user and tenant and stamps a new event.
func newHeader(request events.EventHeader) events.EventHeader {
	workflowID := request.WorkflowID
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	return events.EventHeader{
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		EventID:    uuid.NewString(),
		UserID:     request.UserID,
		TenantID:   request.TenantID,
	}
}

func drainAll(subscriptions []*nats.Subscription) error {
	var errs []error

	for _, sub := range subscriptions {
		err := sub.Drain()
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
