package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/stitch/internal/compose"
	"github.com/jmylchreest/stitch/internal/config"
	"github.com/jmylchreest/stitch/internal/fragment"
	internalhttp "github.com/jmylchreest/stitch/internal/http"
	"github.com/jmylchreest/stitch/internal/http/handlers"
	"github.com/jmylchreest/stitch/internal/observability"
	"github.com/jmylchreest/stitch/internal/template"
	"github.com/jmylchreest/stitch/internal/version"
	"github.com/jmylchreest/stitch/pkg/httpclient"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the stitch server",
	Long: `Start the stitch HTTP server.

The server provides:
- The composition endpoint on every path not claimed by the ops API
- Health check endpoint at /health
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server flags
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("templates", "./templates", "Template directory for the fs source")

	// Bind flags to viper
	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("templates.dir", serveCmd.Flags().Lookup("templates"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := slog.Default()

	// Acquisition client shared by the template and context sources.
	acqConfig := httpclient.DefaultConfig()
	acqConfig.Timeout = cfg.Templates.Timeout
	acqConfig.Logger = observability.WithComponent(logger, "httpclient")
	acqClient := httpclient.New(acqConfig)

	templates, err := buildTemplateSource(cfg, acqClient)
	if err != nil {
		return err
	}

	var contexts compose.ContextSource
	if cfg.Context.Enabled {
		contexts = compose.NewHTTPContext(acqClient, cfg.Context.URL)
	}

	pipe := fragment.Pipe{Name: cfg.Compose.PipeName}
	if cfg.Compose.PipeDefinitionPath != "" {
		def, err := os.ReadFile(cfg.Compose.PipeDefinitionPath)
		if err != nil {
			return fmt.Errorf("reading pipe definition: %w", err)
		}
		pipe.Definition = def
	}

	fetcher := fragment.NewFetcher(
		upstreamClient(cfg.Upstream),
		cfg.Compose.ForwardPrefix,
		observability.WithComponent(logger, "fetcher"),
	)

	composer := compose.NewHandler(templates, contexts, fetcher, compose.Options{
		Pipe: pipe,
		Defaults: fragment.Defaults{
			InlineTimeout: cfg.Compose.FragmentTimeout,
			AsyncTimeout:  cfg.Compose.AsyncFragmentTimeout,
		},
		Logger: observability.WithComponent(logger, "compose"),
	})

	server := internalhttp.NewServer(internalhttp.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		CORSOrigins:       cfg.Server.CORSOrigins,
	}, logger, version.Short())

	handlers.NewHealthHandler(version.Short()).
		WithComposer(composer).
		Register(server.API())
	server.MountComposition(composer)

	// Shut down on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("stitch starting",
		slog.String("version", version.Short()),
		slog.String("address", cfg.Server.Address()),
		slog.String("template_source", cfg.Templates.Source),
	)

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// loadConfig unmarshals and validates the viper state assembled from
// defaults, config file, env vars and flags.
func loadConfig() (*config.Config, error) {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// buildTemplateSource selects the configured template source.
func buildTemplateSource(cfg *config.Config, client *httpclient.Client) (template.Source, error) {
	switch cfg.Templates.Source {
	case "fs":
		return template.NewFSStore(cfg.Templates.Dir, cfg.Templates.Index), nil
	case "http":
		return template.NewHTTPStore(client, cfg.Templates.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown template source %q", cfg.Templates.Source)
	}
}

// upstreamClient builds the shared fragment upstream client. It carries
// connection-level timeouts only; per-fragment head deadlines come from
// each placeholder.
func upstreamClient(cfg config.UpstreamConfig) *http.Client {
	return &http.Client{
		// Redirects are not followed: a primary fragment's 3xx status is
		// copied to the downstream response instead.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   cfg.DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
			IdleConnTimeout:     cfg.IdleConnTimeout,
			MaxIdleConns:        cfg.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		},
	}
}
