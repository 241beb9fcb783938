package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bdobrica/sekisho/common/crypto"
	"github.com/bdobrica/sekisho/common/environment"
	"github.com/bdobrica/sekisho/common/scrub"
	"github.com/bdobrica/sekisho/common/version"
	"github.com/bdobrica/sekisho/internal/broker/audit"
	"github.com/bdobrica/sekisho/internal/broker/httpapi"
	"github.com/bdobrica/sekisho/internal/broker/proxy"
	"github.com/bdobrica/sekisho/internal/broker/route"
	"github.com/bdobrica/sekisho/internal/broker/store"
	"github.com/bdobrica/sekisho/internal/broker/token"
	"github.com/bdobrica/sekisho/internal/exec/policy"
	"github.com/bdobrica/sekisho/internal/exec/template"
	"github.com/bdobrica/sekisho/internal/observability"
)

func main() {
	fmt.Printf("Sekisho Credential Broker\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	config := loadConfig()

	observability.Setup(config.LogLevel, config.LogFormat)

	if config.RoutesFile == "" {
		fmt.Fprintf(os.Stderr, "Error: SEKISHO_ROUTES_FILE is required\n")
		os.Exit(1)
	}

	masterKey, err := crypto.LoadMasterKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\nGenerate a key with: openssl rand -hex 32\n", err)
		os.Exit(1)
	}

	s, err := store.New(config.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	recorder := audit.New(s)
	secrets := s.Secrets(masterKey)
	issuer := token.NewIssuer(s, recorder)

	reg := scrub.New()
	reg.OnError(func(err error) {
		recorder.Record(context.Background(), audit.Event{
			Kind:    audit.KindScrubError,
			Outcome: "error",
			Error:   err.Error(),
		})
	})

	table := route.NewTable()
	if err := table.LoadFile(config.RoutesFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load routing table: %v\n", err)
		os.Exit(1)
	}

	engine := proxy.New(proxy.Config{
		Table:           table,
		Secrets:         secrets,
		Scrub:           reg,
		Audit:           recorder,
		UpstreamTimeout: config.UpstreamTimeout,
	})

	api := httpapi.New(issuer, s, secrets, table, engine, recorder)

	if config.ExecEnabled {
		templates := template.NewRegistry()
		if config.TemplatesFile != "" {
			if err := templates.LoadFile(config.TemplatesFile); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to load templates: %v\n", err)
				os.Exit(1)
			}
		}
		mode, err := policy.ParseMode(config.PolicyMode)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		api.EnableExec(&httpapi.ExecService{
			Policy:  policy.New(templates, mode),
			Scrub:   reg,
			Audit:   recorder,
			Dir:     config.ExecDir,
			Timeout: config.ExecTimeout,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go issuer.PruneLoop(ctx, config.PruneInterval)

	// SIGHUP reloads the routing table in place; a bad file keeps the old one.
	go reloadOnHUP(ctx, table, config.RoutesFile)

	srv := &http.Server{
		Addr:              config.ListenAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("broker listening", "addr", config.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
			os.Exit(1)
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
	}
}

func reloadOnHUP(ctx context.Context, table *route.Table, path string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := table.LoadFile(path); err != nil {
				slog.Error("routing table reload failed, keeping previous table", "err", err)
				continue
			}
			slog.Info("routing table reloaded", "path", path)
		}
	}
}

type brokerConfig struct {
	ListenAddr      string
	DatabasePath    string
	RoutesFile      string
	TemplatesFile   string
	PolicyMode      string
	ExecEnabled     bool
	ExecDir         string
	ExecTimeout     time.Duration
	UpstreamTimeout time.Duration
	PruneInterval   time.Duration
	LogLevel        string
	LogFormat       string
}

// loadConfig loads configuration from environment variables
func loadConfig() *brokerConfig {
	return &brokerConfig{
		ListenAddr:      environment.StringOr("SEKISHO_LISTEN_ADDR", ":8317"),
		DatabasePath:    environment.StringOr("DATABASE_PATH", "./sekisho.db"),
		RoutesFile:      environment.StringOr("SEKISHO_ROUTES_FILE", ""),
		TemplatesFile:   environment.StringOr("SEKISHO_TEMPLATES_FILE", ""),
		PolicyMode:      environment.StringOr("SEKISHO_POLICY_MODE", string(policy.Strict)),
		ExecEnabled:     environment.BoolOr("SEKISHO_EXEC_ENABLED", false),
		ExecDir:         environment.StringOr("SEKISHO_EXEC_DIR", ""),
		ExecTimeout:     environment.DurationOr("SEKISHO_EXEC_TIMEOUT", 60*time.Second),
		UpstreamTimeout: environment.DurationOr("SEKISHO_UPSTREAM_TIMEOUT", 60*time.Second),
		PruneInterval:   environment.DurationOr("SEKISHO_PRUNE_INTERVAL", time.Minute),
		LogLevel:        environment.StringOr("LOG_LEVEL", "info"),
		LogFormat:       environment.StringOr("LOG_FORMAT", "json"),
	}
}
