package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lirica/voicelink/internal/auth"
	"github.com/lirica/voicelink/internal/config"
	"github.com/lirica/voicelink/internal/sim"
)

var (
	simPort       int
	simFaultError string
	simFaultClose int
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Start the loopback simulator backend",
	Long: `Start a backend that speaks the voice session protocol with scripted
responses, for exercising the client without a real speech service. Fault
flags inject failures on purpose.`,
	RunE: runSim,
}

func init() {
	simCmd.Flags().IntVar(&simPort, "port", 0, "Listen port (default from VOICELINK_SIM_PORT)")
	simCmd.Flags().StringVar(&simFaultError, "fault-error", "", "Emit a bidi_error with this message after each response")
	simCmd.Flags().IntVar(&simFaultClose, "fault-close", 0, "Close the socket with this code after the first response")
	rootCmd.AddCommand(simCmd)
}

func runSim(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if simPort == 0 {
		simPort = cfg.SimPort
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	manager := auth.NewManager(cfg.TokenSecret, cfg.TokenTTL)
	server := sim.NewServer(manager, sim.Options{
		IdleTimeout:    cfg.SimIdleTimeout,
		FaultError:     simFaultError,
		FaultCloseCode: simFaultClose,
	}, logger)

	addr := fmt.Sprintf(":%d", simPort)
	go func() {
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Simulator stopped", zap.Error(err))
		}
	}()
	logger.Info("Simulator started", zap.String("addr", addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Simulator is shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
