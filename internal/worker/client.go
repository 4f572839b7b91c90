package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/book-expert/events"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/ledger"
)

// ErrRemote indicates the service answered with an error reply.
var ErrRemote = errors.New("narration service error")

// RemoteError is an error reply from the service.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// Unwrap maps the reply code back onto the domain sentinels.
func (e *RemoteError) Unwrap() []error {
	switch e.Code {
	case CodeInvalidRequest:
		return []error{ErrRemote, core.ErrInvalidRequest}
	case CodeNotFound:
		return []error{ErrRemote, core.ErrJobNotFound}
	case CodeConflict:
		return []error{ErrRemote, core.ErrJobTerminal}
	default:
		return []error{ErrRemote}
	}
}

// Client talks to a running service over NATS request/reply.
type Client struct {
	natsConnection *nats.Conn
	prefix         string
}

// NewClient creates a client for the service listening under prefix.
func NewClient(natsConnection *nats.Conn, prefix string) *Client {
	return &Client{natsConnection: natsConnection, prefix: prefix}
}

// Submit sends a new job.
func (c *Client) Submit(ctx context.Context, spec core.JobSpec) (core.BatchJob, error) {
	reply, err := c.request(ctx, SubjectSubmit, SubmitRequest{Header: newHeader(events.EventHeader{}), Job: spec})
	if err != nil {
		return core.BatchJob{}, err
	}

	return jobFrom(reply)
}

// Status fetches a job.
func (c *Client) Status(ctx context.Context, id string) (core.BatchJob, error) {
	reply, err := c.request(ctx, SubjectStatus, JobRequest{Header: newHeader(events.EventHeader{}), JobID: id})
	if err != nil {
		return core.BatchJob{}, err
	}

	return jobFrom(reply)
}

// Cancel cancels a job.
func (c *Client) Cancel(ctx context.Context, id string) (core.BatchJob, error) {
	reply, err := c.request(ctx, SubjectCancel, JobRequest{Header: newHeader(events.EventHeader{}), JobID: id})
	if err != nil {
		return core.BatchJob{}, err
	}

	return jobFrom(reply)
}

// Ledger fetches a report.
func (c *Client) Ledger(ctx context.Context, window ledger.Window) (ledger.Report, error) {
	reply, err := c.request(ctx, SubjectLedger, LedgerRequest{
		Header: newHeader(events.EventHeader{}),
		Since:  window.Since,
		Until:  window.Until,
	})
	if err != nil {
		return ledger.Report{}, err
	}

	if reply.Ledger == nil {
		return ledger.Report{}, fmt.Errorf("%w: reply carries no report", ErrRemote)
	}

	return *reply.Ledger, nil
}

func (c *Client) request(ctx context.Context, suffix string, payload any) (Reply, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	subject := Subject(c.prefix, suffix)

	msg, err := c.natsConnection.RequestWithContext(ctx, subject, data)
	if err != nil {
		return Reply{}, fmt.Errorf("request on %s failed: %w", subject, err)
	}

	var reply Reply

	err = json.Unmarshal(msg.Data, &reply)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to unmarshal reply from %s: %w", subject, err)
	}

	if reply.Error != "" {
		return reply, &RemoteError{Code: reply.ErrorCode, Message: reply.Error}
	}

	return reply, nil
}

func jobFrom(reply Reply) (core.BatchJob, error) {
	if reply.Job == nil {
		return core.BatchJob{}, fmt.Errorf("%w: reply carries no job", ErrRemote)
	}

	return *reply.Job, nil
}
