// Command pingcanvasd captures ICMPv6 echo requests carrying ping-to-pixel
// encoded addresses, paints them onto a shared canvas, and serves that
// canvas over HTTP and a websocket push feed (spec.md §1-§6).
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/serverscanning/place-ipv6-server/internal/abuse"
	"github.com/serverscanning/place-ipv6-server/internal/aggregator"
	"github.com/serverscanning/place-ipv6-server/internal/broadcast"
	"github.com/serverscanning/place-ipv6-server/internal/config"
	"github.com/serverscanning/place-ipv6-server/internal/httpapi"
	"github.com/serverscanning/place-ipv6-server/internal/logging"
	"github.com/serverscanning/place-ipv6-server/internal/nudity"
	"github.com/serverscanning/place-ipv6-server/internal/queue"
	"github.com/serverscanning/place-ipv6-server/internal/session"
	"github.com/serverscanning/place-ipv6-server/internal/sniffer"
	"github.com/serverscanning/place-ipv6-server/internal/telemetry"
)

// Set by LDFLAGS.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const queueCapacity = 8192

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("pingcanvasd version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := logging.New(os.Stderr, cfg.Verbose)
	telemetry.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	handle, err := sniffer.OpenLive(cfg.Interface, 256)
	if err != nil {
		return fmt.Errorf("pingcanvasd: %w", err)
	}

	q := queue.New(log.With("component", "queue"), queueCapacity)
	snf := sniffer.New(log.With("component", "sniffer"), handle, q, cfg.RequireValidChecksum)
	defer snf.Close()

	var tracker *abuse.Tracker
	if cfg.EnablePerUserPPS {
		tracker = abuse.New()
	}

	topics := session.Topics{
		DeltaPNG: broadcast.New[[]byte]("delta_png", log.With("topic", "delta_png")),
		PPS:      broadcast.New[session.PPSUpdate]("pps", log.With("topic", "pps")),
		WSCount:  broadcast.New[int]("ws_count", log.With("topic", "ws_count")),
		Nudity:   broadcast.New[session.NudityUpdate]("nudity", log.With("topic", "nudity")),
	}
	fullTopic := broadcast.New[[]byte]("full_png", log.With("topic", "full_png"))

	agg := aggregator.New(aggregator.Config{
		Log:           log.With("component", "aggregator"),
		MaxFPS:        cfg.MaxCanvasFPS,
		Queue:         q,
		FullPNGTopic:  fullTopic,
		DeltaPNGTopic: topics.DeltaPNG,
		PPSTopic:      topics.PPS,
		Tracker:       tracker,
	})

	srv := httpapi.New(httpapi.Config{
		Log:               log.With("component", "httpapi"),
		Canvas:            agg,
		Tracker:           tracker,
		PublicPrefix:      cfg.PublicPrefix,
		Topics:            topics,
		TrustedProxyCIDRs: httpapi.ParseTrustedCIDRs(cfg.TrustedProxyCIDRs),
		RatePerSecond:     5,
		RateBurst:         10,
	})

	httpServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.BindAddr, strconv.Itoa(int(cfg.Port))),
		Handler: srv.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 3)
	go func() { errCh <- runAggregator(ctx, log, agg) }()
	go func() { errCh <- runSniffer(ctx, log, snf) }()
	go func() { errCh <- runHTTP(httpServer, log) }()
	if tracker != nil {
		go reapLoop(ctx, tracker)
	}
	if cfg.EnableNSFWClassifier {
		checker, err := nudity.New(nudity.Config{
			Logger:     log.With("component", "nudity"),
			Classifier: nudity.NewHTTPClassifier(cfg.NSFWClassifierURL),
		})
		if err != nil {
			return fmt.Errorf("pingcanvasd: %w", err)
		}
		defer checker.Close()
		go nudityLoop(ctx, log, agg, checker, topics.Nudity, srv)
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("pingcanvasd: shutdown signal received")
	case runErr = <-errCh:
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("pingcanvasd: http shutdown error", "error", err)
	}

	if runErr != nil {
		return fmt.Errorf("pingcanvasd: %w", runErr)
	}
	log.Info("pingcanvasd: shutdown complete")
	return nil
}

// runAggregator runs the canvas tick loop until ctx is cancelled or a
// PNG encode failure makes the aggregator's state unsafe to keep
// serving from; the latter is fatal and propagates to errCh.
func runAggregator(ctx context.Context, log *slog.Logger, agg *aggregator.Aggregator) error {
	err := agg.Run(ctx)
	if err == nil {
		return nil
	}
	log.Error("pingcanvasd: aggregator stopped", "error", err)
	return err
}

// runSniffer runs the capture loop until ctx is cancelled, treating
// cancellation as a clean exit rather than a fatal error.
func runSniffer(ctx context.Context, log *slog.Logger, snf *sniffer.Sniffer) error {
	err := snf.Run(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	log.Error("pingcanvasd: sniffer stopped", "error", err)
	return err
}

func runHTTP(httpServer *http.Server, log *slog.Logger) error {
	log.Info("pingcanvasd: listening", "addr", httpServer.Addr)
	err := httpServer.ListenAndServe()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("http server: %w", err)
}

func reapLoop(ctx context.Context, tracker *abuse.Tracker) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tracker.Reap(time.Now())
			telemetry.AbuseTableSize.Set(float64(tracker.Size()))
		}
	}
}

// nudityLoop periodically submits the current full canvas to the
// external classifier and publishes verdicts on the nudity topic, the
// narrow external-collaborator side-channel described as peripheral.
func nudityLoop(
	ctx context.Context,
	log *slog.Logger,
	canvas httpapi.CanvasSource,
	checker *nudity.Checker,
	topic *broadcast.Topic[session.NudityUpdate],
	srv *httpapi.Server,
) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			png := canvas.FullCanvasPNG()
			sum := sha256.Sum256(png)
			key := hex.EncodeToString(sum[:])

			nude, err := checker.Check(ctx, key, png)
			if err != nil {
				log.Warn("pingcanvasd: nudity check failed", "error", err)
				continue
			}
			update := session.NudityUpdate{Nude: nude}
			srv.SetLastNudity(update)
			topic.Publish(update)
		}
	}
}
