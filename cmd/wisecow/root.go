package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Ravi-Teja4/wisecow"
	"github.com/Ravi-Teja4/wisecow/internal/config"
	"github.com/Ravi-Teja4/wisecow/internal/content"
	"github.com/Ravi-Teja4/wisecow/internal/logger"
)

// Version is the application version, overridden at link time.
var Version = "0.2.0"

var rootCmd = &cobra.Command{
	Use:   "wisecow",
	Short: "Serve cowsay-wrapped fortunes over TCP",
	Long: `wisecow listens on a TCP port, reads one line from every connection and
answers with an HTTP/1.1 200 response holding a random quote rendered by cowsay.`,
	Version:       Version,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.SetVersionTemplate("wisecow version {{.Version}}\n")
}

// setup loads the configuration, initializes logging and builds the provider.
func setup() (*config.Config, content.Provider, error) {
	cfg, err := config.Load()
	if err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
		return nil, nil, err
	}
	logger.Init(cfg.Log)

	provider, err := content.New(cfg.Content)
	if err != nil {
		log := logger.WithComponent("content")
		log.Error().Err(err).Msg("Invalid content provider")
		return nil, nil, err
	}
	return cfg, provider, nil
}

func newServer(cfg *config.Config, provider content.Provider, log *zerolog.Logger) *wisecow.Server {
	return &wisecow.Server{
		Network:      cfg.Server.Network,
		Addr:         cfg.Server.Addr,
		Handler:      wisecow.QuoteHandler(provider),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Header:       &wisecow.LineHeader{MaxBytes: cfg.Server.MaxLineBytes},
		Logger:       log,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, provider, err := setup()
	if err != nil {
		return err
	}
	log := logger.WithComponent("server")

	if err := content.Check(provider); err != nil {
		log.Error().Err(err).Msg("Install prerequisites.")
		return err
	}

	srv := newServer(cfg, provider, &log)
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case err := <-errc:
		var bindErr *wisecow.BindError
		if errors.As(err, &bindErr) {
			log.Error().Err(bindErr.Err).Str("addr", bindErr.Addr).Msg("Unable to listen")
		} else {
			log.Error().Err(err).Msg("Server stopped")
		}
		return err
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("Got stop signal")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Shutdown did not complete")
		return err
	}
	<-errc
	log.Info().Msg("Server stopped, bye")
	return nil
}
