package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/tick-sync-engine/internal/demo"
	"github.com/example/tick-sync-engine/internal/session"
	"github.com/example/tick-sync-engine/internal/transport"
)

type latencySample struct {
	dur time.Duration
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "websocket address to target")
	clients := flag.Int("clients", 8, "number of concurrent simulated peers")
	duration := flag.Duration("duration", 30*time.Second, "how long each peer stays connected")
	tickRate := flag.Int("tick-rate", 60, "client simulation tick rate")
	inputRate := flag.Int("input-rate", 30, "input batches per second")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("target", *addr).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	latencyCh := make(chan latencySample, *clients*int(duration.Seconds()+1))
	var wg sync.WaitGroup

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := runPeer(ctx, id, *addr, *tickRate, *inputRate, *duration, latencyCh, logger); err != nil {
				logger.Error().Err(err).Int("client", id).Msg("peer run failed")
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(latencyCh)
		stop()
	}()

	<-ctx.Done()
	report(latencyCh, logger)
}

// runPeer drives one full client loop against the server: dial, shadow the
// arena entities, ship scripted input, and sample the measured round-trip
// once a second.
func runPeer(ctx context.Context, id int, addr string, tickRate, inputRate int, duration time.Duration, latencies chan<- latencySample, logger zerolog.Logger) error {
	tr, err := transport.Dial(ctx, addr, logger, transport.ClientConfig{})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer tr.Close()

	table, err := demo.Table()
	if err != nil {
		return err
	}
	world, err := demo.NewWorld(demo.Config{}, logger)
	if err != nil {
		return err
	}

	c, err := session.NewClient(session.ClientConfig{
		TickRate:                tickRate,
		InputSendRate:           inputRate,
		InterpolationLag:        2,
		MaxOfflineExtrapolation: 30,
	}, tr, table, demo.ScriptedSource{Offset: float64(id) * 1.7}, logger)
	if err != nil {
		return fmt.Errorf("build client: %w", err)
	}
	for _, e := range world.Entities() {
		if err := c.RegisterEntity(e); err != nil {
			return err
		}
	}
	if tank, ok := world.SlotForPeer(tr.PeerID()); ok {
		tank.SetBelongsTo(tr.PeerID())
	}

	ticker := time.NewTicker(time.Second / time.Duration(tickRate))
	defer ticker.Stop()
	deadline := time.Now().Add(duration)
	var lastSample time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tr.Done():
			return nil
		case now := <-ticker.C:
			if now.After(deadline) {
				logger.Info().
					Int("client", id).
					Int64("tick", int64(c.Tick())).
					Dur("rtt", c.RTT()).
					Msg("peer finished")
				return nil
			}
			c.Step(now)
			if rtt := c.RTT(); rtt > 0 && now.Sub(lastSample) >= time.Second {
				lastSample = now
				latencies <- latencySample{dur: rtt}
			}
		}
	}
}

func report(samples <-chan latencySample, logger zerolog.Logger) {
	var count int
	var total time.Duration
	var max time.Duration
	var under100ms int

	for s := range samples {
		count++
		total += s.dur
		if s.dur > max {
			max = s.dur
		}
		if s.dur < 100*time.Millisecond {
			under100ms++
		}
	}

	if count == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}

	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	pct := (float64(under100ms) / float64(count)) * 100

	fmt.Fprintf(os.Stdout, "Samples: %d\nAvg RTT: %s\nMax RTT: %s\n<100ms: %.2f%%\n", count, avg, max, pct)
	if pct < 95 {
		logger.Warn().Msg("less than 95% of round-trips met the 100ms target")
	}
}
