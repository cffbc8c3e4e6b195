package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/factorysh/maintenance/server"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve REST API and execute runs",
	Long:  ``,
	RunE: func(cmd *cobra.Command, args []string) error {
		return untilSignal(cmd.Context(), func(ctx context.Context, s *server.Server) error {
			fmt.Println("Listening", cfg.Listen)
			return s.Serve(ctx)
		})
	},
}

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Execute runs from the queue, without API",
	Long:  ``,
	RunE: func(cmd *cobra.Command, args []string) error {
		return untilSignal(cmd.Context(), func(ctx context.Context, s *server.Server) error {
			return s.Work(ctx)
		})
	},
}

func untilSignal(parent context.Context, do func(context.Context, *server.Server) error) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s, err := open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(done)
	go func() {
		select {
		case <-done:
			fmt.Println("Bye")
			cancel()
		case <-ctx.Done():
		}
	}()
	return do(ctx, s)
}
