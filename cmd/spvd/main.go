// Command spvd runs an SPV verification session for one network and serves
// its state over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"github.com/bitfsorg/libspv-go/config"
	"github.com/bitfsorg/libspv-go/session"
)

// shutdownTimeout bounds how long in-flight API requests may take once
// shutdown starts.
const shutdownTimeout = 5 * time.Second

func main() {
	if err := spvdMain(); err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func spvdMain() error {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg, opts, cfgPath, err := loadConfig(os.Args[1:])
	if err != nil {
		return err
	}

	if opts.SaveConfig {
		if err := config.SaveConfig(cfgPath, cfg); err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", cfgPath)
		return nil
	}

	if opts.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		return nil
	}

	if cfg.LogFile != "" {
		if err := initLogRotator(cfg.LogFile); err != nil {
			return err
		}
		defer logRotator.Close()
	}
	setLogLevels(cfg.LogLevel)
	if opts.DebugLevel != "" {
		if err := parseAndSetDebugLevels(opts.DebugLevel); err != nil {
			return err
		}
	}

	ctx := shutdownListener()

	spvdLog.Infof("Starting spvd on %s", cfg.Network)
	spvdLog.Infof("  Data directory: %s", cfg.DataDir)
	spvdLog.Infof("  Server: %s", cfg.Server)
	if cfg.AlternateServer != "" {
		spvdLog.Infof("  Alternate server: %s", cfg.AlternateServer)
	}

	sess, err := session.Open(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			spvdLog.Errorf("Closing session: %v", err)
		}
	}()

	if err := sess.Start(ctx); err != nil {
		return err
	}

	app := newApp(NewServer(sess))
	listenErr := make(chan error, 1)
	go func() {
		spvdLog.Infof("API listening on http://%s", cfg.ListenAddr)
		listenErr <- app.Listen(cfg.ListenAddr)
	}()

	select {
	case <-ctx.Done():
	case err := <-listenErr:
		return fmt.Errorf("API server: %w", err)
	}

	spvdLog.Info("Shutting down API server...")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		spvdLog.Errorf("Error closing API server: %v", err)
	}
	spvdLog.Info("Shutdown complete")
	return nil
}

// newApp builds the Fiber application serving s.
func newApp(s *Server) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	app.Use(logger.New(logger.Config{
		Format: "${method} ${path} - ${status} (${latency})\n",
		Output: logWriter{},
	}))
	s.SetupRoutes(app)
	return app
}

// shutdownListener returns a context that is canceled on SIGINT or SIGTERM.
// Repeated signals are logged so the user knows shutdown is in progress.
func shutdownListener() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		interruptChannel := make(chan os.Signal, 1)
		signal.Notify(interruptChannel, os.Interrupt, syscall.SIGTERM)

		sig := <-interruptChannel
		spvdLog.Infof("Received signal (%s).  Shutting down...", sig)
		cancel()

		for sig := range interruptChannel {
			spvdLog.Infof("Received signal (%s).  Already shutting down...", sig)
		}
	}()
	return ctx
}
