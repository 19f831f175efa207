// Command mediactl resolves, uploads and commits media references and runs
// the signing gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/signed-media/config"
	"github.com/wolfeidau/signed-media/credentials"
	"github.com/wolfeidau/signed-media/telemetry"
)

var version = "dev"

// Globals are flags shared by every command. Set flags override the config.
type Globals struct {
	Config      string `help:"Path to a YAML config file." type:"path" env:"MEDIA_CONFIG"`
	Credentials string `help:"Path to a secrets template." type:"path" env:"MEDIA_CREDENTIALS"`
	LogLevel    string `help:"Log level (debug, info, warn, error)."`
	LogFormat   string `help:"Log format (text, json)."`
	APIURL      string `help:"Signing gateway base URL." name:"api-url"`
	Token       string `help:"Bearer token for the gateway."`

	cfg    *config.Config
	logger *slog.Logger
}

type cli struct {
	Globals

	Normalize NormalizeCmd `cmd:"" help:"Extract references from a JSON field value."`
	Resolve   ResolveCmd   `cmd:"" help:"Resolve references to displayable URIs."`
	Upload    UploadCmd    `cmd:"" help:"Stage a file as a record field and optionally commit it."`
	Category  CategoryCmd  `cmd:"" help:"Rename or delete categories."`
	Serve     ServeCmd     `cmd:"" help:"Run the signing gateway."`
	Version   VersionCmd   `cmd:"" help:"Print the version."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("mediactl"),
		kong.Description("Signed media reference tool."),
		kong.UsageOnError(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := c.Globals.setup(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	shutdown, err := telemetry.InitMetrics(ctx, c.cfg.MetricsConfig(version))
	if err != nil {
		c.logger.Warn("metrics disabled", "error", err)
	} else {
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = shutdown(sctx)
		}()
	}

	kctx.BindTo(ctx, (*context.Context)(nil))
	err = kctx.Run(&c.Globals)
	kctx.FatalIfErrorf(err)
}

// setup loads the configuration and secrets, applies flag overrides and
// builds the logger.
func (g *Globals) setup(ctx context.Context) error {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return err
	}
	if g.Credentials != "" {
		creds, err := credentials.NewResolver().ResolveFile(ctx, g.Credentials)
		if err != nil {
			return err
		}
		creds.Apply(cfg)
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	if g.APIURL != "" {
		cfg.API.BaseURL = g.APIURL
	}
	if g.Token != "" {
		cfg.API.Token = g.Token
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.cfg = cfg
	g.logger = newLogger(cfg)
	slog.SetDefault(g.logger)
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := cfg.LogLevel()
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (VersionCmd) Run() error {
	fmt.Println(version)
	return nil
}
