package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pgbridge/pgbridge"
	"github.com/pgbridge/pgbridge/http"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	log.SetFlags(0)

	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())

	m := NewMain()
	if err := m.ParseFlags(ctx, os.Args[1:]); err == flag.ErrHelp {
		os.Exit(2)
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := m.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		_ = m.Close()
		os.Exit(1)
	}

	// Wait for signal to stop program.
	sig := <-signalCh
	cancel()
	fmt.Printf("signal %s received, pgbridge shutting down\n", sig)

	if err := m.Close(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Main represents the command line program.
type Main struct {
	Config Config

	Manager    *pgbridge.SessionManager
	HTTPServer *http.Server
}

// NewMain returns a new instance of Main.
func NewMain() *Main {
	return &Main{
		Config: NewConfig(),
	}
}

// ParseFlags parses the command line flags & config file.
func (m *Main) ParseFlags(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("pgbridged", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	noExpandEnv := fs.Bool("no-expand-env", false, "do not expand env vars in config")
	tracing := fs.Bool("tracing", false, "enable trace logging to stdout")
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() > 0 {
		return fmt.Errorf("too many arguments")
	}

	if err := ParseConfigPath(*configPath, !*noExpandEnv, &m.Config); err != nil {
		return err
	}

	// Enable trace logging, if specified. The config settings specify a rolling
	// on-disk log whereas the CLI flag specifies output to STDOUT.
	var tw io.Writer
	if m.Config.Tracing.Path != "" {
		log.Printf("trace log enabled: %s", m.Config.Tracing.Path)
		tw = &lumberjack.Logger{
			Filename:   m.Config.Tracing.Path,
			MaxSize:    m.Config.Tracing.MaxSize,
			MaxBackups: m.Config.Tracing.MaxCount,
			Compress:   m.Config.Tracing.Compress,
		}
	}
	if *tracing {
		if tw == nil {
			tw = os.Stdout
		} else {
			tw = io.MultiWriter(os.Stdout, tw)
		}
	}
	if tw != nil {
		pgbridge.TraceLog.SetOutput(tw)
	}

	return nil
}

// Run initializes the session manager and the admin HTTP server.
func (m *Main) Run(ctx context.Context) (err error) {
	if m.Config.DB.Path == "" {
		return fmt.Errorf("db path required")
	}

	m.Manager = pgbridge.NewSessionManager(m.Config.ManagerConfig())
	if err := m.Manager.Open(); err != nil {
		return fmt.Errorf("cannot open session manager: %w", err)
	}
	log.Printf("database %s ready, journal mode %s, max sessions %d",
		m.Config.DB.Path, m.Config.DB.JournalMode, m.Config.DB.MaxSessions)

	m.HTTPServer = http.NewServer(m.Manager, m.Config.HTTP.Addr)
	if err := m.HTTPServer.Listen(); err != nil {
		return fmt.Errorf("cannot open http server: %w", err)
	}
	m.HTTPServer.Serve()
	log.Printf("http server listening on: %s", m.HTTPServer.URL())

	return nil
}

// Close gracefully shuts down the program.
func (m *Main) Close() (err error) {
	if m.HTTPServer != nil {
		if e := m.HTTPServer.Close(); err == nil {
			err = e
		}
	}
	if m.Manager != nil {
		if e := m.Manager.Close(); err == nil {
			err = e
		}
	}
	return err
}
