// Package aggregator implements the single-threaded canvas owner
// (spec.md §4.3): it drains the pixel-update queue on a fixed tick,
// paints the authoritative full canvas and a per-tick delta canvas,
// tracks global and per-source packet rates, and publishes encoded PNG
// snapshots to the broadcast fabric.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/serverscanning/place-ipv6-server/internal/abuse"
	"github.com/serverscanning/place-ipv6-server/internal/broadcast"
	"github.com/serverscanning/place-ipv6-server/internal/canvas"
	"github.com/serverscanning/place-ipv6-server/internal/queue"
	"github.com/serverscanning/place-ipv6-server/internal/session"
	"github.com/serverscanning/place-ipv6-server/internal/telemetry"
)

// Config configures an Aggregator.
type Config struct {
	Log *slog.Logger

	// MaxFPS is the tick rate in [1, 1000]; the tick period is 1/MaxFPS.
	MaxFPS int

	Queue *queue.Queue

	FullPNGTopic  *broadcast.Topic[[]byte]
	DeltaPNGTopic *broadcast.Topic[[]byte]
	PPSTopic      *broadcast.Topic[session.PPSUpdate]

	// Tracker is optional; nil disables per-source PPS tracking.
	Tracker *abuse.Tracker
}

// Aggregator owns the authoritative canvas state and the per-second PPS
// accounting. All mutation happens on a single goroutine (Run); readers
// only ever see consistent state through the reader-writer lock around
// the encoded snapshots.
type Aggregator struct {
	log  *slog.Logger
	cfg  Config
	tick time.Duration

	full  *canvas.Full
	delta *canvas.Delta

	snapMu      sync.RWMutex
	lastFullPNG []byte

	globalCounter uint64
	lastReset     time.Time
	lastDropped   float64
}

// New constructs an Aggregator. It panics on a programmer error (nil
// required dependency) or if the initial all-white canvas fails to encode.
func New(cfg Config) *Aggregator {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.MaxFPS <= 0 {
		cfg.MaxFPS = 10
	}
	if cfg.MaxFPS > 1000 {
		cfg.MaxFPS = 1000
	}
	if cfg.Queue == nil {
		panic("aggregator: Config.Queue is required")
	}

	full := canvas.NewFull()
	initialPNG, err := full.EncodePNG()
	if err != nil {
		// Encoding an all-white canvas cannot fail under image/png; a
		// failure here means the runtime itself is broken.
		panic("aggregator: failed to encode initial canvas: " + err.Error())
	}

	return &Aggregator{
		log:         cfg.Log,
		cfg:         cfg,
		tick:        time.Second / time.Duration(cfg.MaxFPS),
		full:        full,
		delta:       canvas.NewDelta(),
		lastFullPNG: initialPNG,
		lastReset:   time.Now(),
	}
}

// FullCanvasPNG returns the most recently published full-canvas PNG.
// Safe for concurrent use with Run.
func (a *Aggregator) FullCanvasPNG() []byte {
	a.snapMu.RLock()
	defer a.snapMu.RUnlock()
	return a.lastFullPNG
}

// Run drains the queue and ticks the canvas forward until ctx is
// cancelled or a PNG encode fails. A PNG encode failure leaves the
// canvas in a state Run cannot safely keep serving from, so it is
// treated as fatal: Run returns the error and stops ticking.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()

	done := ctx.Done()
	for {
		select {
		case <-done:
			return nil
		case <-ticker.C:
			if err := a.onTick(done); err != nil {
				return err
			}
		}
	}
}

func (a *Aggregator) onTick(done <-chan struct{}) error {
	now := time.Now()
	dirty := a.drainAndPaint(done, now)

	telemetry.QueueDepth.Set(float64(a.cfg.Queue.Len()))
	telemetry.QueueDropped.Add(float64(a.cfg.Queue.Dropped()) - a.lastDropped)
	a.lastDropped = float64(a.cfg.Queue.Dropped())

	elapsed := now.Sub(a.lastReset)
	if elapsed >= time.Second {
		a.publishPPS(elapsed)
		a.lastReset = now
		a.globalCounter = 0
	}

	if dirty {
		return a.publishCanvases()
	}
	return nil
}

func (a *Aggregator) drainAndPaint(done <-chan struct{}, now time.Time) bool {
	dirty := false
	for {
		select {
		case <-done:
			return dirty
		default:
		}

		u, ok := a.cfg.Queue.TryPop()
		if !ok {
			return dirty
		}

		a.full.Paint(u.Pos.X, u.Pos.Y, u.Size, u.Color)
		a.delta.Paint(u.Pos.X, u.Pos.Y, u.Size, u.Color)
		dirty = true

		a.globalCounter++
		if a.cfg.Tracker != nil {
			a.cfg.Tracker.Record(u.Source, now)
		}
	}
}

func (a *Aggregator) publishPPS(elapsed time.Duration) {
	elapsedMicros := float64(elapsed.Microseconds())
	if elapsedMicros <= 0 {
		elapsedMicros = 1
	}
	adjusted := uint32(float64(a.globalCounter) * 1_000_000 / elapsedMicros)
	telemetry.PublishedPPS.Set(float64(adjusted))

	sample := session.PPSUpdate{Global: adjusted}
	if a.cfg.Tracker != nil {
		counts := a.cfg.Tracker.DrainCounters()
		perUser := make(map[uint64]uint32, len(counts))
		for id, count := range counts {
			perUser[uint64(id)] = uint32(float64(count) * 1_000_000 / elapsedMicros)
		}
		sample.PerUser = perUser
	}

	if a.cfg.PPSTopic != nil {
		a.cfg.PPSTopic.Publish(sample)
	}
}

func (a *Aggregator) publishCanvases() error {
	fullPNG, err := a.full.EncodePNG()
	if err != nil {
		return fmt.Errorf("aggregator: failed to encode full canvas: %w", err)
	}
	deltaPNG, err := a.delta.EncodePNG()
	if err != nil {
		return fmt.Errorf("aggregator: failed to encode delta canvas: %w", err)
	}

	a.snapMu.Lock()
	a.lastFullPNG = fullPNG
	a.snapMu.Unlock()

	if a.cfg.FullPNGTopic != nil {
		a.cfg.FullPNGTopic.Publish(fullPNG)
	}
	if a.cfg.DeltaPNGTopic != nil {
		a.cfg.DeltaPNGTopic.Publish(deltaPNG)
	}
	telemetry.CanvasPublishes.Inc()

	a.delta = canvas.NewDelta()
	return nil
}
