package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiomhq/axiom-go/axiom"
	"github.com/axiomhq/axiom-go/axiom/ingest"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options defines logger initialization parameters.
type Options struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Service tags every event, e.g. "cratere" or "bookctl".
	Service string
	// Stderr sends console output to stderr so stdout stays clean for CLI output.
	Stderr bool

	// Axiom
	SendToAxiom   bool
	AxiomAPIKey   string
	AxiomOrgID    string
	AxiomDataset  string
	AxiomFlush    time.Duration
	AxiomMinLevel string
}

const forwardBatch = 200

var (
	global zerolog.Logger
	fwd    *forwarder
)

// Init sets up global logger: file rotation, console, optional Axiom forwarding.
func Init(opts Options) error {
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return fmt.Errorf("create logs dir: %w", err)
		}
	}
	if opts.Service == "" {
		opts.Service = "cratere"
	}

	var writers []io.Writer
	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		})
	}

	var console io.Writer = os.Stdout
	if opts.Stderr {
		console = os.Stderr
	}
	if opts.Pretty {
		writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339})
	} else {
		writers = append(writers, console)
	}

	if opts.SendToAxiom && opts.AxiomAPIKey != "" {
		f, err := newAxiomForwarder(opts.AxiomAPIKey, opts.AxiomOrgID, opts.AxiomDataset, opts.AxiomFlush)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Axiom disabled: %v\n", err)
		} else {
			fwd = f
			writers = append(writers, &forwardWriter{
				fwd:     f,
				service: opts.Service,
				min:     parseLevel(opts.AxiomMinLevel, zerolog.InfoLevel),
			})
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339
	global = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(opts.Level, zerolog.InfoLevel)).
		With().Timestamp().Str("service", opts.Service).
		Logger()
	log.Logger = global
	return nil
}

// Close flushes events still waiting for Axiom.
func Close() {
	if fwd != nil {
		fwd.Close()
		fwd = nil
	}
}

// Get returns the global logger.
func Get() *zerolog.Logger { return &global }

// ForSession tags events with a designer session.
func ForSession(sessionID string) zerolog.Logger {
	return log.With().Str("session_id", sessionID).Logger()
}

// ForJob tags events with an async export job and the session it snapshots.
func ForJob(jobID, sessionID string) zerolog.Logger {
	return log.With().Str("job_id", jobID).Str("session_id", sessionID).Logger()
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	if s == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return def
	}
	return lvl
}

// forwardWriter turns zerolog JSON lines into Axiom events. Events below min
// stay local.
type forwardWriter struct {
	fwd     *forwarder
	service string
	min     zerolog.Level
}

func (w *forwardWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *forwardWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < w.min {
		return len(p), nil
	}
	var ev map[string]any
	if err := json.Unmarshal(p, &ev); err != nil {
		ev = map[string]any{"message": string(p), "level": l.String()}
	}
	if _, ok := ev["service"]; !ok {
		ev["service"] = w.service
	}
	if t, ok := ev[zerolog.TimestampFieldName]; ok {
		ev[ingest.TimestampField] = t
		delete(ev, zerolog.TimestampFieldName)
	} else if _, ok := ev[ingest.TimestampField]; !ok {
		ev[ingest.TimestampField] = time.Now().UTC().Format(time.RFC3339)
	}
	w.fwd.Send(axiom.Event(ev))
	return len(p), nil
}

// ingestFunc ships one batch.
type ingestFunc func(ctx context.Context, events []axiom.Event) error

// forwarder batches events in the background. Send never blocks; when the
// buffer is full the event is counted and dropped.
type forwarder struct {
	ingest  ingestFunc
	batch   int
	ch      chan axiom.Event
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

func newAxiomForwarder(token, orgID, dataset string, flushEvery time.Duration) (*forwarder, error) {
	if dataset == "" {
		dataset = "dev_cratere"
	}
	opts := []axiom.Option{axiom.SetToken(token)}
	if orgID != "" {
		opts = append(opts, axiom.SetOrganizationID(orgID))
	}
	c, err := axiom.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return newForwarder(func(ctx context.Context, events []axiom.Event) error {
		_, err := c.IngestEvents(ctx, dataset, events)
		return err
	}, flushEvery, forwardBatch), nil
}

func newForwarder(fn ingestFunc, flushEvery time.Duration, batch int) *forwarder {
	if flushEvery <= 0 {
		flushEvery = 10 * time.Second
	}
	if batch <= 0 {
		batch = forwardBatch
	}
	f := &forwarder{
		ingest: fn,
		batch:  batch,
		ch:     make(chan axiom.Event, 5*batch),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go f.run(flushEvery)
	return f
}

func (f *forwarder) Send(ev axiom.Event) {
	select {
	case f.ch <- ev:
	default:
		f.dropped.Add(1)
	}
}

func (f *forwarder) run(flushEvery time.Duration) {
	defer close(f.done)
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	pending := make([]axiom.Event, 0, f.batch)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		// zerolog would feed errors back into this writer
		if err := f.ingest(ctx, pending); err != nil {
			fmt.Fprintf(os.Stderr, "axiom ingest of %d events failed: %v\n", len(pending), err)
		}
		cancel()
		pending = make([]axiom.Event, 0, f.batch)
	}
	for {
		select {
		case <-f.stop:
			for {
				select {
				case ev := <-f.ch:
					pending = append(pending, ev)
					if len(pending) >= f.batch {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case <-ticker.C:
			flush()
		case ev := <-f.ch:
			pending = append(pending, ev)
			if len(pending) >= f.batch {
				flush()
			}
		}
	}
}

// Close drains queued events and waits for the last batch.
func (f *forwarder) Close() {
	f.once.Do(func() {
		close(f.stop)
		<-f.done
		if n := f.dropped.Load(); n > 0 {
			fmt.Fprintf(os.Stderr, "axiom forwarder dropped %d events\n", n)
		}
	})
}
