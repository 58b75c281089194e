package aggregator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/serverscanning/place-ipv6-server/internal/abuse"
	"github.com/serverscanning/place-ipv6-server/internal/broadcast"
	"github.com/serverscanning/place-ipv6-server/internal/pixel"
	"github.com/serverscanning/place-ipv6-server/internal/queue"
	"github.com/serverscanning/place-ipv6-server/internal/session"
)

func TestAggregator_PaintsAndPublishesOnDirtyTick(t *testing.T) {
	t.Parallel()
	q := queue.New(nil, 16)
	fullTopic := broadcast.New[[]byte]("full_png", nil)
	deltaTopic := broadcast.New[[]byte]("delta_png", nil)
	ppsTopic := broadcast.New[session.PPSUpdate]("pps", nil)

	fullCh, unsubFull := fullTopic.Subscribe(nil)
	defer unsubFull()

	agg := New(Config{
		MaxFPS:        200,
		Queue:         q,
		FullPNGTopic:  fullTopic,
		DeltaPNGTopic: deltaTopic,
		PPSTopic:      ppsTopic,
	})

	q.Push(pixel.Update{
		Source: net.ParseIP("2001:db8::1"),
		Pos:    pixel.Pos{X: 10, Y: 10},
		Color:  pixel.Color{R: 1, G: 2, B: 3},
		Size:   pixel.Size1x1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go agg.Run(ctx)
	defer cancel()

	select {
	case png := <-fullCh:
		require.NotEmpty(t, png)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive a full canvas publish")
	}
}

func TestAggregator_PublishesPPSAfterOneSecond(t *testing.T) {
	t.Parallel()
	q := queue.New(nil, 16)
	ppsTopic := broadcast.New[session.PPSUpdate]("pps", nil)
	ppsCh, unsub := ppsTopic.Subscribe(nil)
	defer unsub()

	agg := New(Config{
		MaxFPS:   100,
		Queue:    q,
		PPSTopic: ppsTopic,
	})
	agg.lastReset = time.Now().Add(-1100 * time.Millisecond)

	for i := 0; i < 5; i++ {
		q.Push(pixel.Update{
			Source: net.ParseIP("2001:db8::1"),
			Pos:    pixel.Pos{X: uint16(i), Y: 0},
			Color:  pixel.Color{R: 1, G: 1, B: 1},
			Size:   pixel.Size1x1,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	select {
	case sample := <-ppsCh:
		require.Greater(t, sample.Global, uint32(0))
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive a PPS sample")
	}
}

func TestAggregator_TracksPerSourcePPSWhenEnabled(t *testing.T) {
	t.Parallel()
	q := queue.New(nil, 16)
	ppsTopic := broadcast.New[session.PPSUpdate]("pps", nil)
	ppsCh, unsub := ppsTopic.Subscribe(nil)
	defer unsub()
	tracker := abuse.New()

	agg := New(Config{
		MaxFPS:   100,
		Queue:    q,
		PPSTopic: ppsTopic,
		Tracker:  tracker,
	})
	agg.lastReset = time.Now().Add(-1100 * time.Millisecond)

	src := net.ParseIP("2001:db8::1")
	q.Push(pixel.Update{Source: src, Pos: pixel.Pos{X: 1, Y: 1}, Color: pixel.Color{R: 1}, Size: pixel.Size1x1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	select {
	case sample := <-ppsCh:
		require.NotEmpty(t, sample.PerUser)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive a per-user PPS sample")
	}
}

func TestAggregator_FullCanvasPNGAvailableBeforeAnyTick(t *testing.T) {
	t.Parallel()
	q := queue.New(nil, 4)
	agg := New(Config{Queue: q})
	require.NotEmpty(t, agg.FullCanvasPNG())
}
