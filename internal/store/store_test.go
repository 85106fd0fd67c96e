package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	redis "github.com/redis/go-redis/v9"

	"github.com/local/cratere/internal/designer"
	"github.com/local/cratere/internal/layout"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestRedisSessionsRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr, c := newRedis(t)
	st := NewRedisSessions(c, time.Hour)

	if _, err := st.Load(ctx, "missing"); !errors.Is(err, designer.ErrSessionNotFound) {
		t.Fatalf("err = %v", err)
	}

	s := designer.NewSession()
	s.SetTitle("Eolie")
	if err := s.SetLayout(4, layout.KindFourHorizontal); err != nil {
		t.Fatal(err)
	}
	if err := s.Assign(4, "left-top", designer.Image{AssetRef: "image-a-1x1-jpg", Title: "Lipari"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(5, "right-bottom"); err != nil {
		t.Fatal(err)
	}
	if err := st.Save(ctx, s); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL("session:" + s.ID); ttl != time.Hour {
		t.Fatalf("ttl = %v", ttl)
	}

	got, err := st.Load(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	opt := cmp.Comparer(func(a, b designer.Assignment) bool { return a == b })
	if diff := cmp.Diff(s, got, opt); diff != "" {
		t.Fatalf("round trip (-want +got):\n%s", diff)
	}

	// a save replaces, it does not merge
	s.ClearAll()
	if err := st.Save(ctx, s); err != nil {
		t.Fatal(err)
	}
	got, _ = st.Load(ctx, s.ID)
	if len(got.Assignments) != 0 {
		t.Fatalf("stale assignments: %v", got.Assignments)
	}

	if err := st.Delete(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Load(ctx, s.ID); !errors.Is(err, designer.ErrSessionNotFound) {
		t.Fatalf("after delete err = %v", err)
	}
}

func TestRedisSessionsExpire(t *testing.T) {
	ctx := context.Background()
	mr, c := newRedis(t)
	st := NewRedisSessions(c, time.Minute)
	s := designer.NewSession()
	if err := st.Save(ctx, s); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := st.Load(ctx, s.ID); !errors.Is(err, designer.ErrSessionNotFound) {
		t.Fatalf("expired session err = %v", err)
	}
}

func TestRedisJobs(t *testing.T) {
	ctx := context.Background()
	_, c := newRedis(t)
	jobs := NewRedisJobs(c, 0)

	if _, ok, err := jobs.Get(ctx, "nope"); ok || err != nil {
		t.Fatalf("missing job: ok=%v err=%v", ok, err)
	}

	start := time.Now().UTC().Truncate(time.Millisecond)
	want := JobStatus{ID: "j1", SessionID: "s1", Status: StatusQueued, Start: &start}
	if err := jobs.Set(ctx, want); err != nil {
		t.Fatal(err)
	}
	if err := jobs.SetProgress(ctx, "j1", 40); err != nil {
		t.Fatal(err)
	}
	got, ok, err := jobs.Get(ctx, "j1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	want.Progress = 40
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("status (-want +got):\n%s", diff)
	}

	end := start.Add(time.Second)
	got.Status, got.End, got.Pages = StatusSuccess, &end, 32
	got.FailedSlots = []string{"2-left-1"}
	got.Location = "s3://b/exports/j1/book.pdf"
	if err := jobs.Set(ctx, got); err != nil {
		t.Fatal(err)
	}
	final, _, _ := jobs.Get(ctx, "j1")
	if !final.Done() || final.Pages != 32 || final.FailedSlots[0] != "2-left-1" {
		t.Fatalf("final = %+v", final)
	}
}
