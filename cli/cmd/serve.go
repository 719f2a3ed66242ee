package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Doctor-One/doctor-dok/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authorization API server",
	Long: `Run the HTTP server exposing token issuance, key management,
attachment storage and the enclave decrypt operation.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (default :3002)")
	if err := viper.BindPFlag("server.listen", serveCmd.Flags().Lookup("listen")); err != nil {
		panic(fmt.Sprintf("failed to bind listen flag: %v", err))
	}
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "httpapi").Logger()

	addr := viper.GetString("server.listen")
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewRouter(service, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
