// Command autocat watches which game the streamer is running and keeps the
// Twitch channel category in sync with it.
// It:
//   - Loads configuration and initializes structured logging.
//   - Loads the token store (file, or Postgres when DB_DSN is set), custom
//     mappings and the cached name database.
//   - Starts the token validator, the name database refresher and, unless
//     disabled, the monitor loop.
//   - Exposes the local HTTP API used for the authorization flow and control.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/onnwee/autocat/category"
	"github.com/onnwee/autocat/chat"
	"github.com/onnwee/autocat/config"
	"github.com/onnwee/autocat/crypto"
	"github.com/onnwee/autocat/db"
	"github.com/onnwee/autocat/mappings"
	"github.com/onnwee/autocat/monitor"
	"github.com/onnwee/autocat/namedb"
	"github.com/onnwee/autocat/oauth"
	"github.com/onnwee/autocat/procscan"
	"github.com/onnwee/autocat/server"
	"github.com/onnwee/autocat/telemetry"
	"github.com/onnwee/autocat/twitchapi"
)

var version = "dev"

// refreshWindow is how close to expiry the validator refreshes proactively.
const refreshWindow = 15 * time.Minute

func main() {
	// .env is a local convenience; real env wins
	config.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	setupLogging(cfg)

	if err := cfg.ValidateTwitch(); err != nil {
		slog.Warn("twitch not fully configured; authorization and publishing will fail until it is", slog.Any("err", err))
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(context.Background(), telemetry.TraceOptions{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
		Version:     version,
		Broadcaster: cfg.TwitchBroadcaster,
	})
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("failed to flush traces", slog.Any("err", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var enc crypto.Encryptor
	if cfg.EncryptionKey != "" {
		aes, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
		enc = aes
	} else {
		slog.Warn("ENCRYPTION_KEY not set; tokens are stored in plaintext")
	}

	// Token store: Postgres when configured, else tokens.json.
	var (
		store   oauth.Store = oauth.NewFileStore(cfg.TokensPath(), enc)
		history *db.History
	)
	if cfg.DBDsn != "" {
		database, err := openDatabase(ctx, cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		store = &db.TokenStore{DB: database, Enc: enc}
		history = &db.History{DB: database}
	}

	twitchHTTP := &http.Client{Timeout: twitchapi.DefaultHTTPTimeout}
	oauthClient := &twitchapi.OAuthClient{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RedirectURI:  cfg.TwitchRedirectURI,
		Scopes:       cfg.Scopes(),
		HTTPClient:   twitchHTTP,
	}
	tokens := oauth.NewManager(oauthClient, store)
	if err := tokens.Load(ctx); err != nil {
		slog.Error("failed to load stored credentials; re-authorization required", slog.Any("err", err))
	}
	tokens.StartValidator(ctx, oauth.DefaultValidateInterval, refreshWindow)

	maps := mappings.New(cfg.MappingsPath())
	if err := maps.Load(); err != nil {
		slog.Error("failed to load mappings; starting empty", slog.Any("err", err))
	}

	names := namedb.New(namedb.Options{
		URL:       cfg.DetectableURL,
		CachePath: cfg.NameCachePath(),
		TTL:       cfg.DetectableTTL,
		TargetOS:  cfg.DetectableOS,
	})
	// startup priming runs beside the monitor; resolution works without it
	go func() {
		if err := names.EnsureFresh(ctx); err != nil {
			slog.Warn("name database priming failed", slog.Any("err", err))
		}
	}()
	names.StartRefresher(ctx, time.Hour)

	// Helix client creation only fails without a client id; publishing then
	// reports the config error on every cycle.
	var channelAPI category.ChannelAPI
	if helixClient, err := twitchapi.NewHelixClient(twitchapi.HelixOptions{ClientID: cfg.TwitchClientID, HTTPClient: twitchHTTP}); err == nil {
		channelAPI = helixClient
	} else {
		channelAPI = unconfiguredAPI{err: err}
	}
	publisher := category.NewPublisher(channelAPI, tokens, cfg.TwitchBroadcaster)

	if history != nil {
		publisher.OnChange(func(ctx context.Context, previous, current string) {
			if err := history.Record(ctx, cfg.TwitchBroadcaster, previous, current); err != nil {
				slog.Warn("failed to record category history", slog.Any("err", err), slog.String("component", "db"))
			}
		})
	}
	if cfg.ChatAnnounce {
		announcer := chat.NewAnnouncer(chat.Options{Channel: cfg.TwitchBroadcaster, Tokens: tokens})
		publisher.OnChange(announcer.Announce)
		go announcer.Run(ctx)
	}

	loop := monitor.New(monitor.Deps{
		Tokens:          tokens,
		Processes:       &procscan.Scanner{},
		Mappings:        maps,
		Names:           names,
		Publisher:       publisher,
		DefaultCategory: cfg.DefaultCategory,
		Interval:        cfg.MonitorInterval,
	})
	if cfg.MonitorAutostart {
		loop.Start(ctx)
	}

	handler := server.NewMux(ctx, server.Deps{
		Auth:      tokens,
		AuthURL:   oauthClient,
		Mappings:  maps,
		Names:     names,
		Monitor:   loop,
		Publisher: publisher,
		History:   historyReader(history),
	}, server.Options{AdminToken: cfg.AdminToken, TrustProxy: cfg.TrustProxy})
	go func() {
		if err := server.Start(ctx, handler, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	if err := loop.Stop(time.Second); err != nil {
		slog.Warn("monitor stop", slog.Any("err", err))
	}
}

func setupLogging(cfg *config.Config) {
	lvl := cfg.SlogLevel()
	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", strings.ToLower(cfg.LogFormat)))
}

func openDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	database, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(database); err != nil {
		_ = database.Close()
		return nil, err
	}
	return database, nil
}

// historyReader avoids handing the server a typed nil.
func historyReader(h *db.History) server.HistoryReader {
	if h == nil {
		return nil
	}
	return h
}

// unconfiguredAPI stands in for Helix when TWITCH_CLIENT_ID is missing.
type unconfiguredAPI struct{ err error }

func (u unconfiguredAPI) GetUserID(context.Context, string, string) (string, error) {
	return "", u.err
}

func (u unconfiguredAPI) SearchCategories(context.Context, string, string) ([]twitchapi.Category, error) {
	return nil, u.err
}

func (u unconfiguredAPI) UpdateChannelCategory(context.Context, string, string, string) error {
	return u.err
}
