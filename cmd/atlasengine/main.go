// Command atlasengine boots the single-tenant account engine: it loads
// one account's config, opens its embedded store, and serves the XRPC
// surface and firehose until signaled to stop. Generalized from
// cmd/atlas/main.go's multi-subcommand (server/ingester) layout in the
// teacher this project is adapted from — there is only one process here,
// since RepoStore, RepoEngine, Sequencer, BlobStore and OAuthCore all
// share the one account's single-writer actor loop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/atlasdev/pdsengine/internal/blob"
	"github.com/atlasdev/pdsengine/internal/config"
	"github.com/atlasdev/pdsengine/internal/engine"
	"github.com/atlasdev/pdsengine/internal/httpapi"
	"github.com/atlasdev/pdsengine/internal/store"
	"github.com/atlasdev/pdsengine/internal/tracing"
)

func main() {
	cmd := &cli.Command{
		Name:  "atlasengine",
		Usage: "single-tenant atproto account engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-lvl",
				Usage: "Minimum logging level (debug, info, warn, err)",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "log-fmt",
				Usage: "Log output format (default, json)",
				Value: "json",
			},
			&cli.BoolFlag{
				Name:  "log-src",
				Usage: "Whether or not to include source line numbers in log lines",
				Value: true,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			if err := setDefaultLogger(
				c.String("log-lvl"),
				c.String("log-fmt"),
				c.Bool("log-src"),
			); err != nil {
				return nil, fmt.Errorf("unable to set default logger: %w", err)
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			runCmd(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("failed to run command", "err", err)
		os.Exit(1)
	}
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:        "run",
		Description: "Boots the account engine and serves its XRPC surface and firehose",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Usage:    "Path to the account's TOML config file",
				Value:    "atlasengine.toml",
				Required: false,
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Bind address of the XRPC/firehose HTTP server (overrides the config file's listen_addr)",
			},
			&cli.StringFlag{
				Name:  "rp-display-name",
				Usage: "WebAuthn relying party display name",
				Value: "Atlas Engine",
			},
			&cli.StringSliceFlag{
				Name:  "rp-origin",
				Usage: "WebAuthn relying party origin(s) (repeatable; defaults to https://<pds_hostname>)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return run(ctx, &runArgs{
				ConfigPath:    c.String("config"),
				Addr:          c.String("addr"),
				RPDisplayName: c.String("rp-display-name"),
				RPOrigins:     c.StringSlice("rp-origin"),
			})
		},
	}
}

type runArgs struct {
	ConfigPath    string
	Addr          string
	RPDisplayName string
	RPOrigins     []string
}

func run(ctx context.Context, args *runArgs) error {
	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	shutdownTracing, err := tracing.Init(ctx, "atlasengine", "dev", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	var blobCfg *blob.Config
	if cfg.Blobs != nil {
		blobCfg = &blob.Config{
			Endpoint:  cfg.Blobs.Endpoint,
			Region:    cfg.Blobs.Region,
			Bucket:    cfg.Blobs.Bucket,
			AccessKey: cfg.Blobs.AccessKey,
			SecretKey: cfg.Blobs.SecretKey,
		}
	}
	blobs := blob.New(st, blobCfg)

	rpOrigins := args.RPOrigins
	if len(rpOrigins) == 0 {
		rpOrigins = []string{"https://" + cfg.PDSHostname}
	}

	e, err := engine.New(slog.Default(), st, blobs, args.RPDisplayName, cfg.PDSHostname, rpOrigins)
	if err != nil {
		return fmt.Errorf("failed to construct engine: %w", err)
	}

	if err := e.Boot(ctx, &engine.Config{
		DID:           cfg.DID,
		Handle:        cfg.Handle,
		PDSHostname:   cfg.PDSHostname,
		ServiceDID:    cfg.ServiceDID,
		SigningKey:    cfg.SigningKey,
		JWTSecret:     cfg.JWTSecret,
		PasswordHash:  cfg.PasswordHash,
		InitialActive: cfg.InitialActive,
	}); err != nil {
		return fmt.Errorf("failed to boot account: %w", err)
	}

	go e.Run(ctx)

	addr := cfg.ListenAddr
	if args.Addr != "" {
		addr = args.Addr
	}

	srv := httpapi.New(slog.Default(), e)
	return srv.Run(ctx, addr)
}

func setDefaultLogger(llevel, lfmt string, addSource bool) error {
	opts := &slog.HandlerOptions{
		AddSource: addSource,
	}

	switch llevel {
	case "d", "dbg", "debug":
		opts.Level = slog.LevelDebug
	case "i", "info":
		opts.Level = slog.LevelInfo
	case "w", "warn", "warning":
		opts.Level = slog.LevelWarn
	case "e", "err", "error":
		opts.Level = slog.LevelError
	}

	var log *slog.Logger
	switch strings.ToLower(lfmt) {
	case "default":
		log = slog.New(slog.NewTextHandler(os.Stdout, opts))
	case "json":
		log = slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return fmt.Errorf(`unsupported log format: %s (wanted "default" or "json")`, lfmt)
	}

	slog.SetDefault(log)
	return nil
}
