package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tiltrelay/go/internal/profile"
	"github.com/mcdev12/tiltrelay/go/internal/session"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	url := flag.String("url", envOr("TILTRELAY_SESSION_URL", "ws://localhost:8080/ws"), "relay websocket url")
	game := flag.String("game", envOr("TILTRELAY_SESSION_GAME", profile.GameBall), "game profile id")
	profiles := flag.String("profiles", os.Getenv("TILTRELAY_PROFILES_FILE"), "optional profiles yaml file")
	filter := flag.String("device", "", "only accept samples from this device id")
	peer := flag.String("peer", "", "peer id to register with; generated when empty")
	every := flag.Duration("every", time.Second, "how often to log the input snapshot")
	calibrateAfter := flag.Duration("calibrate-after", 0, "calibrate once after this delay; 0 disables")
	pretty := flag.Bool("pretty", true, "console log output")
	flag.Parse()

	if *pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	registry, err := profile.Load(*profiles)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load game profiles")
	}
	p, err := registry.Get(*game)
	if err != nil {
		log.Fatal().Err(err).Strs("games", registry.IDs()).Msg("unknown game")
	}

	cfg := session.DefaultConfig(*url)
	cfg.DeviceFilter = *filter
	cfg.PeerID = *peer
	s, err := session.New(cfg, p)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session")
	}

	s.OnStateChange(func(c session.StateChange) {
		log.Info().
			Str("from", c.From.String()).
			Str("to", c.To.String()).
			Int("attempt", c.Attempt).
			Msg("state")
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil {
			log.Error().Err(err).Msg("session failed")
		}
	}()

	var calibrate <-chan time.Time
	if *calibrateAfter > 0 {
		calibrate = time.After(*calibrateAfter)
	}
	ticker := time.NewTicker(*every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			<-done
			return
		case <-calibrate:
			in, err := s.Calibrate(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("calibrate failed")
				continue
			}
			log.Info().Interface("values", in.Values).Msg("calibrated")
		case <-ticker.C:
			in := s.NormalizedInput()
			log.Info().
				Str("state", s.State().String()).
				Uint64("seq", in.Seq).
				Bool("simulated", in.Simulated).
				Interface("values", in.Values).
				Msg("input")
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
