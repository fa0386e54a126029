package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tiltrelay/go/internal/simulator"
	"github.com/mcdev12/tiltrelay/go/internal/telemetry"
	"github.com/mcdev12/tiltrelay/go/internal/wire"
)

// fake_phone registers as a sensor publisher and streams the scripted tilt
// waveform, for exercising a relay without a real handset.
func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "relay websocket url")
	deviceID := flag.String("id", "", "device id; generated when empty")
	deviceType := flag.String("type", "fake-phone", "device type reported to the relay")
	rate := flag.Duration("rate", 20*time.Millisecond, "interval between samples")
	count := flag.Int("count", 0, "stop after this many samples; 0 streams until interrupted")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *deviceID == "" {
		*deviceID = "phone-" + uuid.New().String()[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *url, *deviceID, *deviceType, *rate, *count); err != nil {
		fmt.Fprintf(os.Stderr, "fake_phone: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, url, deviceID, deviceType string, rate time.Duration, count int) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	var mu sync.Mutex
	write := func(frame []byte, err error) error {
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, frame)
	}

	if err := write(wire.DeviceRegister(deviceID, deviceType)); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	log.Info().Str("device_id", deviceID).Str("url", url).Msg("registered")

	// Drain inbound frames so pings are answered and a relay close is noticed.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				log.Warn().Err(err).Msg("relay connection closed")
				return
			}
		}
	}()

	cfg := simulator.DefaultConfig()
	cfg.TickRate = rate
	gen := simulator.NewGenerator(cfg, nil, clockwork.NewRealClock())

	var (
		sent   int
		errs   int
		sendCh = make(chan telemetry.Sample)
	)
	go gen.Run(ctx, func(s telemetry.Sample) {
		select {
		case sendCh <- s:
		case <-ctx.Done():
		}
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Int("sent", sent).Int("errors", errs).Msg("stopping")
			_ = write(wire.DeviceLeft(deviceID, deviceType))
			return nil
		case s := <-sendCh:
			if err := write(wire.SensorData(deviceID, deviceType, s)); err != nil {
				errs++
				log.Error().Err(err).Msg("failed to send sample")
				if errs > 10 {
					return fmt.Errorf("too many send failures: %w", err)
				}
				continue
			}
			sent++
			if sent%250 == 0 {
				log.Info().Int("sent", sent).Msg("streaming")
			}
			if count > 0 && sent >= count {
				log.Info().Int("sent", sent).Msg("done")
				return nil
			}
		}
	}
}
