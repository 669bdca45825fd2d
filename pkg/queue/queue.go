package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueArchive is the Redis list key for recording archive jobs.
	QueueArchive = "worker:archive"
	// QueueEmails is the Redis list key for email jobs.
	QueueEmails = "worker:emails"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of attempts before a job moves to the DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
	// pollTimeout bounds each blocking pop so a cancelled context is noticed.
	pollTimeout = 5 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeRecordingArchive JobType = "recording_archive"
	JobTypeEmail            JobType = "email"
)

// ArchivePayload is the payload for recording archive jobs.
type ArchivePayload struct {
	Filename string `json:"filename"`
}

// EmailPayload is the payload for email jobs.
type EmailPayload struct {
	RecipientEmail string `json:"recipient_email"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis lists.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// listFor maps a job type to its list.
func listFor(t JobType) (string, error) {
	switch t {
	case JobTypeRecordingArchive:
		return QueueArchive, nil
	case JobTypeEmail:
		return QueueEmails, nil
	}
	return "", fmt.Errorf("unknown job type: %s", t)
}

// EnqueueArchive enqueues a recording archive job.
func (q *Queue) EnqueueArchive(ctx context.Context, payload ArchivePayload) error {
	job, err := q.enqueue(ctx, JobTypeRecordingArchive, payload)
	if err != nil {
		return err
	}
	q.logger.Debug("enqueued archive job", zap.String("job_id", job.ID), zap.String("filename", payload.Filename))
	return nil
}

// EnqueueEmail enqueues an email job.
func (q *Queue) EnqueueEmail(ctx context.Context, payload EmailPayload) error {
	job, err := q.enqueue(ctx, JobTypeEmail, payload)
	if err != nil {
		return err
	}
	q.logger.Debug("enqueued email job", zap.String("job_id", job.ID))
	return nil
}

func (q *Queue) enqueue(ctx context.Context, t JobType, payload any) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	job := &Job{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   body,
		CreatedAt: time.Now(),
	}
	if err := q.push(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue) push(ctx context.Context, job *Job) error {
	list, err := listFor(job.Type)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, list, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	return nil
}

// Dequeue waits up to a few seconds for a job on any queue. It returns a nil job
// when nothing arrived; malformed entries are dropped with a warning.
func (q *Queue) Dequeue(ctx context.Context) (*Job, string, error) {
	result, err := q.client.BLPop(ctx, pollTimeout, QueueArchive, QueueEmails).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", err
	}
	if len(result) < 2 {
		return nil, "", nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, "", nil
	}
	return &job, result[0], nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	if job.Attempt >= MaxRetries {
		raw, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.push(ctx, job); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
