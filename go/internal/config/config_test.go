package config_test

import (
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"github.com/mcdev12/tiltrelay/go/internal/config"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	convey.Convey("Given no config file and no environment", t, func() {
		t.Setenv("TILTRELAY_CONFIG", "")

		cfg, err := config.Load()

		convey.Convey("Then defaults are used", func() {
			convey.So(err, convey.ShouldBeNil)
			convey.So(cfg.HTTPAddr, convey.ShouldEqual, ":8080")
			convey.So(cfg.TLSAddr, convey.ShouldEqual, ":8443")
			convey.So(cfg.TLSEnabled(), convey.ShouldBeFalse)
			convey.So(cfg.OutboxSize, convey.ShouldEqual, 256)
			convey.So(cfg.StatsInterval, convey.ShouldEqual, 30*time.Second)
			convey.So(cfg.NATSURL, convey.ShouldBeEmpty)
			convey.So(cfg.ArchiveEnabled, convey.ShouldBeFalse)
			convey.So(cfg.Database.DSN(), convey.ShouldEqual, "postgres://postgres:@localhost:5432/tiltrelay?sslmode=disable")
		})
	})
}

func TestLoadLayers(t *testing.T) {
	convey.Convey("Given a YAML file", t, func() {
		path := writeConfigFile(t, `
http_addr: ":9090"
outbox_size: 64
stats_interval: 5s
allowed_origins:
  - https://games.example
db:
  host: db.internal
  name: relay
`)
		t.Setenv("TILTRELAY_CONFIG", path)

		convey.Convey("When only the file is present", func() {
			cfg, err := config.Load()

			convey.Convey("Then file values override defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.HTTPAddr, convey.ShouldEqual, ":9090")
				convey.So(cfg.OutboxSize, convey.ShouldEqual, 64)
				convey.So(cfg.StatsInterval, convey.ShouldEqual, 5*time.Second)
				convey.So(cfg.AllowedOrigins, convey.ShouldResemble, []string{"https://games.example"})
				convey.So(cfg.Database.Host, convey.ShouldEqual, "db.internal")
				convey.So(cfg.Database.Port, convey.ShouldEqual, 5432)
			})
		})

		convey.Convey("When the environment sets the same keys", func() {
			t.Setenv("TILTRELAY_HTTP_ADDR", ":7070")
			t.Setenv("TILTRELAY_OUTBOX_SIZE", "32")
			t.Setenv("TILTRELAY_DB_HOST", "db.override")
			t.Setenv("TILTRELAY_ALLOWED_ORIGINS", "https://a.example, https://b.example")

			cfg, err := config.Load()

			convey.Convey("Then env wins over the file", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.HTTPAddr, convey.ShouldEqual, ":7070")
				convey.So(cfg.OutboxSize, convey.ShouldEqual, 32)
				convey.So(cfg.Database.Host, convey.ShouldEqual, "db.override")
				convey.So(cfg.Database.Name, convey.ShouldEqual, "relay")
				convey.So(cfg.AllowedOrigins, convey.ShouldResemble, []string{"https://a.example", "https://b.example"})
			})
		})
	})
}

func TestLoadRejectsInvalid(t *testing.T) {
	convey.Convey("Given a TLS certificate without a key", t, func() {
		t.Setenv("TILTRELAY_CONFIG", "")
		t.Setenv("TILTRELAY_TLS_CERT_FILE", "/etc/relay/cert.pem")

		_, err := config.Load()

		convey.Convey("Then loading fails with ErrInvalidConfig", func() {
			convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
		})
	})

	convey.Convey("Given a missing config file", t, func() {
		t.Setenv("TILTRELAY_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

		_, err := config.Load()

		convey.Convey("Then loading fails with ErrLoadConfig", func() {
			convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
		})
	})

	convey.Convey("Given a ping interval longer than the read timeout", t, func() {
		cfg := config.New()
		cfg.PingInterval = 2 * cfg.ReadTimeout

		convey.So(errors.Is(cfg.Validate(), config.ErrInvalidConfig), convey.ShouldBeTrue)
	})
}

func TestRelaySettings(t *testing.T) {
	convey.Convey("Given a config with an origin allow-list", t, func() {
		cfg := config.New()
		cfg.AllowedOrigins = []string{"https://games.example"}
		cfg.OutboxSize = 8
		cfg.Database.URL = "postgres://relay@db/relay"

		rc := cfg.Relay()

		convey.Convey("Then the relay config carries it through", func() {
			convey.So(rc.Connection.OutboxSize, convey.ShouldEqual, 8)
			convey.So(rc.AllowedOrigins, convey.ShouldResemble, []string{"https://games.example"})
			convey.So(cfg.Database.DSN(), convey.ShouldEqual, "postgres://relay@db/relay")

			allowed := httptest.NewRequest("GET", "/ws", nil)
			allowed.Header.Set("Origin", "https://games.example")
			denied := httptest.NewRequest("GET", "/ws", nil)
			denied.Header.Set("Origin", "https://evil.example")
			native := httptest.NewRequest("GET", "/ws", nil)

			convey.So(rc.Connection.CheckOrigin(allowed), convey.ShouldBeTrue)
			convey.So(rc.Connection.CheckOrigin(denied), convey.ShouldBeFalse)
			convey.So(rc.Connection.CheckOrigin(native), convey.ShouldBeTrue)
		})
	})
}
