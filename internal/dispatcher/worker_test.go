package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/local/cratere/internal/designer"
	"github.com/local/cratere/internal/export"
	"github.com/local/cratere/internal/images"
	"github.com/local/cratere/internal/pdfcheck"
	"github.com/local/cratere/internal/queue"
	"github.com/local/cratere/internal/storage"
	"github.com/local/cratere/internal/store"
)

type urls struct{}

func (urls) URL(ref string, _, _ int) (string, error) { return "https://cdn.test/" + ref, nil }

type fetcher map[string][]byte

func (f fetcher) FetchImage(_ context.Context, u string) (*images.Decoded, error) {
	b, ok := f[u]
	if !ok {
		return nil, &images.HTTPError{StatusCode: 404, URL: u}
	}
	return images.Decode(b)
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 60, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 60; x++ {
			img.Set(x, y, color.RGBA{200, uint8(x * 4), 40, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type fixture struct {
	q    *queue.RedisQueue
	jobs *store.RedisJobs
	sink *storage.LocalDir
	w    *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	q, err := queue.NewRedisQueue(ctx, c, "jobs:exports", "workers:exports")
	if err != nil {
		t.Fatal(err)
	}
	sink, err := storage.NewLocalDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	jobs := store.NewRedisJobs(c, time.Hour)
	exp := export.New(fetcher{"https://cdn.test/image-a-60x40-png": pngBytes(t)}, urls{}, export.Options{DPI: 72})
	w := New(Config{Concurrency: 1, PollTimeout: 100 * time.Millisecond, JobTimeout: time.Minute}, q, jobs, exp, sink)
	return &fixture{q: q, jobs: jobs, sink: sink, w: w}
}

func session(t *testing.T) *designer.Session {
	t.Helper()
	s := designer.NewSession()
	s.SetTitle("Spring Book")
	if err := s.Assign(1, "cover-1", designer.Image{AssetRef: "image-a-60x40-png", Title: "A"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Assign(3, "right-1", designer.Image{AssetRef: "image-missing-10x10-png"}); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestProcessStoresPDFAndStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := session(t)

	f.w.Process(ctx, queue.ExportJob{JobID: "job-1", Session: sess})

	st, ok, err := f.jobs.Get(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if st.Status != store.StatusSuccess || st.Progress != 100 {
		t.Fatalf("status = %+v", st)
	}
	if st.Filename != "Spring-Book.pdf" || st.Pages != 32 || st.SessionID != sess.ID {
		t.Fatalf("status = %+v", st)
	}
	if len(st.FailedSlots) != 1 || st.FailedSlots[0] != "3-right-1" {
		t.Fatalf("failed slots = %v", st.FailedSlots)
	}
	if st.Start == nil || st.End == nil {
		t.Fatal("timestamps missing")
	}

	pdf, err := f.sink.Get(ctx, ObjectKey("job-1", st.Filename))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pdfcheck.ExpectPages(pdf, 32); err != nil {
		t.Fatal(err)
	}
}

func TestProcessDottedTitle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := session(t)
	sess.SetTitle("Etna... at dawn")
	if err := f.w.Process(ctx, queue.ExportJob{JobID: "job-6", Session: sess}); err != nil {
		t.Fatal(err)
	}
	st, _, _ := f.jobs.Get(ctx, "job-6")
	if st.Status != store.StatusSuccess || st.Filename != "Etna...-at-dawn.pdf" {
		t.Fatalf("status = %+v", st)
	}
	if _, err := f.sink.Get(ctx, ObjectKey("job-6", st.Filename)); err != nil {
		t.Fatal(err)
	}
}

func TestProcessWithoutSessionFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.w.Process(ctx, queue.ExportJob{JobID: "job-2"})
	st, ok, err := f.jobs.Get(ctx, "job-2")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if st.Status != store.StatusFailed || st.Message == "" {
		t.Fatalf("status = %+v", st)
	}
}

func TestProcessInterruptedRequeues(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.w.Process(ctx, queue.ExportJob{JobID: "job-3", Session: session(t)})
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
	st, _, err := f.jobs.Get(context.Background(), "job-3")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != store.StatusQueued || st.End != nil {
		t.Fatalf("status = %+v", st)
	}
	if _, err := f.sink.Get(context.Background(), ObjectKey("job-3", "Spring-Book.pdf")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("interrupted job stored output: %v", err)
	}
}

func TestInterruptedJobIsReclaimed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.q.EnqueueExport(ctx, queue.ExportJob{JobID: "job-5", Session: session(t), EnqueuedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	msg, err := f.q.Dequeue(ctx, "exporter-0", 100*time.Millisecond)
	if err != nil || msg == nil {
		t.Fatalf("Dequeue = %v, %v", msg, err)
	}

	stopped, cancel := context.WithCancel(ctx)
	cancel()
	if err := f.w.Process(stopped, msg.Job); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("err = %v", err)
	}
	if _, pending, _ := f.q.Depths(ctx); pending != 1 {
		t.Fatalf("pending = %d, want the message kept", pending)
	}

	again, err := f.q.ClaimStale(ctx, "exporter-1", 0)
	if err != nil || again == nil {
		t.Fatalf("ClaimStale = %v, %v", again, err)
	}
	if again.Job.JobID != "job-5" {
		t.Fatalf("reclaimed %q", again.Job.JobID)
	}
	if err := f.w.Process(ctx, again.Job); err != nil {
		t.Fatal(err)
	}
	st, _, _ := f.jobs.Get(ctx, "job-5")
	if st.Status != store.StatusSuccess {
		t.Fatalf("status = %+v", st)
	}
}

func TestWorkerConsumesQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.q.EnqueueExport(ctx, queue.ExportJob{JobID: "job-4", Session: session(t), EnqueuedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	f.w.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.w.Stop(stopCtx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st, ok, err := f.jobs.Get(ctx, "job-4")
		if err != nil {
			t.Fatal(err)
		}
		if ok && st.Done() {
			if st.Status != store.StatusSuccess {
				t.Fatalf("status = %+v", st)
			}
			_, pending, err := f.q.Depths(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if pending != 0 {
				// ack lands right after the final status write
				time.Sleep(200 * time.Millisecond)
				if _, pending, _ = f.q.Depths(ctx); pending != 0 {
					t.Fatalf("pending = %d", pending)
				}
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("job did not finish")
}
