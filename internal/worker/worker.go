package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/screenrec/backend/pkg/queue"
	"github.com/screenrec/backend/pkg/storage"
)

// Files resolves a recording name to its path on disk.
type Files interface {
	Path(name string) (string, error)
}

// Archiver stores recordings off-box.
type Archiver interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error)
	ObjectSize(ctx context.Context, key string) (int64, bool, error)
}

// Mailer delivers one email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// JobQueue is the subset of the queue the processor consumes.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Processor executes archive and email jobs. A nil archiver or mailer makes the
// matching job type fail, sending it through retry to the DLQ.
type Processor struct {
	files    Files
	archiver Archiver
	mailer   Mailer
	queue    JobQueue
	backoff  time.Duration
	logger   *zap.Logger
}

// NewProcessor creates a job processor.
func NewProcessor(files Files, archiver Archiver, mailer Mailer, q JobQueue, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{files: files, archiver: archiver, mailer: mailer, queue: q, backoff: queue.RetryBackoff, logger: logger}
}

// Process executes one job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeRecordingArchive:
		var payload queue.ArchivePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		return p.archive(ctx, payload)
	case queue.JobTypeEmail:
		var payload queue.EmailPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		if p.mailer == nil {
			return errors.New("mailer not configured")
		}
		return p.mailer.Send(ctx, payload.RecipientEmail, payload.Subject, payload.Body)
	}
	return fmt.Errorf("unknown job type: %s", job.Type)
}

func (p *Processor) archive(ctx context.Context, payload queue.ArchivePayload) error {
	if p.archiver == nil {
		return errors.New("archive storage not configured")
	}
	path, err := p.files.Path(payload.Filename)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		p.logger.Info("recording deleted before archiving", zap.String("filename", payload.Filename))
		return nil
	}
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat recording: %w", err)
	}

	key := storage.RecordingKey(payload.Filename)
	size, found, err := p.archiver.ObjectSize(ctx, key)
	if err != nil {
		return err
	}
	if found && size == fi.Size() {
		p.logger.Info("recording already archived", zap.String("filename", payload.Filename))
		return nil
	}

	url, err := p.archiver.Upload(ctx, key, storage.ContentTypeForFilename(payload.Filename), f, fi.Size())
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	p.logger.Info("recording archived", zap.String("filename", payload.Filename), zap.String("url", url))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *Processor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
