package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/cratere/internal/export"
	logpkg "github.com/local/cratere/internal/logger"
	"github.com/local/cratere/internal/metrics"
	"github.com/local/cratere/internal/pdfcheck"
	"github.com/local/cratere/internal/queue"
	"github.com/local/cratere/internal/storage"
	"github.com/local/cratere/internal/store"
)

// Queue is the part of the export stream the worker consumes.
type Queue interface {
	Dequeue(ctx context.Context, consumer string, timeout time.Duration) (*queue.Message, error)
	ClaimStale(ctx context.Context, consumer string, minIdle time.Duration) (*queue.Message, error)
	Ack(ctx context.Context, msgID string) error
	Depths(ctx context.Context) (int64, int64, error)
}

// Jobs records job progress for the status endpoint.
type Jobs interface {
	Set(ctx context.Context, st store.JobStatus) error
	SetProgress(ctx context.Context, jobID string, progress int) error
}

type Config struct {
	Concurrency  int
	JobTimeout   time.Duration
	PollTimeout  time.Duration
	StaleAfter   time.Duration
	ConsumerName string
}

// Worker runs async exports pulled from the queue.
type Worker struct {
	cfg      Config
	q        Queue
	jobs     Jobs
	exporter *export.Exporter
	sink     storage.Sink
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(cfg Config, q Queue, jobs Jobs, exporter *export.Exporter, sink storage.Sink) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 15 * time.Minute
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = cfg.JobTimeout + time.Minute
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "exporter"
	}
	return &Worker{cfg: cfg, q: q, jobs: jobs, exporter: exporter, sink: sink}
}

// Start launches the worker goroutines and the queue depth reporter.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx, i)
	}
	w.wg.Add(1)
	go w.reportDepth(ctx)
}

// Stop cancels in-flight exports and waits for the goroutines, or for ctx.
func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop(ctx context.Context, id int) {
	defer w.wg.Done()
	consumer := fmt.Sprintf("%s-%d", w.cfg.ConsumerName, id)
	log.Info().Int("worker", id).Str("consumer", consumer).Msg("export worker started")
	for {
		if ctx.Err() != nil {
			log.Info().Int("worker", id).Msg("export worker stopped")
			return
		}

		msg, err := w.q.ClaimStale(ctx, consumer, w.cfg.StaleAfter)
		if err == nil && msg == nil {
			msg, err = w.q.Dequeue(ctx, consumer, w.cfg.PollTimeout)
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Int("worker", id).Msg("queue dequeue error")
			if msg != nil {
				// undecodable payload: drop it so it does not block the group
				_ = w.q.Ack(context.Background(), msg.ID)
			}
			sleep(ctx, 500*time.Millisecond)
			continue
		}
		if msg == nil {
			continue
		}

		if err := w.Process(ctx, msg.Job); errors.Is(err, ErrInterrupted) {
			log.Warn().Str("msg_id", msg.ID).Str("job_id", msg.Job.JobID).Msg("export job left pending for reclaim")
			continue
		}
		if err := w.q.Ack(context.Background(), msg.ID); err != nil {
			log.Error().Err(err).Str("msg_id", msg.ID).Msg("queue ack failed")
		}
	}
}

// ErrInterrupted means the worker stopped mid-job; the job is queued again
// and its message must stay pending so another consumer reclaims it.
var ErrInterrupted = errors.New("export job interrupted")

// Process runs one job to a final status. Failures are recorded in the job
// status rather than retried: per-slot errors are already absorbed by the
// exporter, so what is left is not transient. Only a cancelled ctx returns an
// error, wrapping ErrInterrupted.
func (w *Worker) Process(ctx context.Context, job queue.ExportJob) error {
	start := time.Now().UTC()
	st := store.JobStatus{ID: job.JobID, Status: store.StatusProcessing, Start: &start}
	if job.Session != nil {
		st.SessionID = job.Session.ID
	}
	w.setStatus(st)

	logger := logpkg.ForJob(job.JobID, st.SessionID)
	logger.Info().Msg("export job started")

	fail := func(err error) error {
		if ctx.Err() != nil && job.Session != nil {
			st.Status, st.Progress, st.Message = store.StatusQueued, 0, "interrupted, waiting to resume"
			w.setStatus(st)
			logger.Warn().Err(err).Msg("export job interrupted")
			return fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
		}
		end := time.Now().UTC()
		st.Status, st.Message, st.End = store.StatusFailed, err.Error(), &end
		w.setStatus(st)
		metrics.IncJob(store.StatusFailed)
		logger.Error().Err(err).Dur("took", end.Sub(start)).Msg("export job failed")
		return nil
	}

	if job.Session == nil {
		return fail(errors.New("job has no session snapshot"))
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	exp := w.exporter.WithProgress(func(p export.Progress) {
		if p.Total == 0 {
			return
		}
		pct := p.Done * 100 / p.Total
		if err := w.jobs.SetProgress(context.Background(), job.JobID, pct); err != nil {
			logger.Warn().Err(err).Msg("progress update failed")
		}
	})
	res, err := exp.Export(jobCtx, export.Request{
		Assignments: job.Session,
		Layouts:     job.Session.Book(),
		Title:       job.Session.Title,
	})
	if err != nil {
		return fail(fmt.Errorf("export: %w", err))
	}

	if _, err := pdfcheck.ExpectPages(res.PDF, res.Pages); err != nil {
		return fail(err)
	}

	loc, err := w.sink.Put(jobCtx, ObjectKey(job.JobID, res.Filename), res.PDF, res.Filename)
	if err != nil {
		return fail(fmt.Errorf("store export: %w", err))
	}

	end := time.Now().UTC()
	st.Status = store.StatusSuccess
	st.Progress = 100
	st.Filename = res.Filename
	st.Location = loc
	st.Pages = res.Pages
	st.End = &end
	for _, f := range res.Failures {
		st.FailedSlots = append(st.FailedSlots, f.Key())
	}
	if len(st.FailedSlots) > 0 {
		st.Message = fmt.Sprintf("%d slot(s) left blank: %s", len(st.FailedSlots), strings.Join(st.FailedSlots, ", "))
	}
	w.setStatus(st)
	metrics.IncJob(store.StatusSuccess)
	logger.Info().
		Str("location", loc).
		Int("pages", res.Pages).
		Int("placed", res.Placed).
		Int("failed", len(res.Failures)).
		Dur("took", end.Sub(start)).
		Msg("export job finished")
	return nil
}

// ObjectKey is where a job's PDF lives in the sink.
func ObjectKey(jobID, filename string) string {
	return jobID + "/" + filename
}

func (w *Worker) setStatus(st store.JobStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.jobs.Set(ctx, st); err != nil {
		log.Error().Err(err).Str("job_id", st.ID).Str("status", st.Status).Msg("job status update failed")
	}
}

func (w *Worker) reportDepth(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, pending, err := w.q.Depths(ctx)
			if err != nil {
				continue
			}
			metrics.SetQueueDepth("stream", n)
			metrics.SetQueueDepth("pending", pending)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
