package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/bobersik/observer/internal/provider"
	"github.com/bobersik/observer/internal/server"
	"github.com/bobersik/observer/pkg/graph"
)

// Exit codes of the operational surface.
const (
	exitOK          = 0
	exitConfigError = 2
	exitGraphError  = 3
	exitNoProviders = 4
)

var configFile string

func main() {
	// .env carries provider secrets; absence is fine
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "observer",
		Short:         "Cognitive stream pipeline for a chat observer agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/config.toml", "path to config file")

	root.AddCommand(serveCmd(), backfillCmd(), graphPingCmd(), seedPromptsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, server.ErrGraphUnreachable):
		return exitGraphError
	case errors.Is(err, provider.ErrNoProviders):
		return exitNoProviders
	default:
		return exitConfigError
	}
}

func newServer() (*server.Server, error) {
	conf, err := server.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	return server.NewServer(conf)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start all pipeline streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer()
			if err != nil {
				return err
			}
			defer func() { _ = srv.Shutdown() }()

			return srv.Start()
		},
	}
}

func backfillCmd() *cobra.Command {
	var (
		sinceDays int
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Reprocess persisted messages through the thinker",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer()
			if err != nil {
				return err
			}
			defer func() { _ = srv.Shutdown() }()

			since := float64(time.Now().AddDate(0, 0, -sinceDays).Unix())
			processed, err := srv.Backfill(cmd.Context(), since, limit)
			if err != nil {
				return err
			}

			fmt.Printf("backfill complete: %d messages processed\n", processed)
			return nil
		},
	}

	cmd.Flags().IntVar(&sinceDays, "since-days", 7, "reprocess messages newer than this many days")
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum number of messages to reprocess")
	return cmd
}

func graphPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph-ping",
		Short: "Check graph engine connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := server.LoadConfig(configFile)
			if err != nil {
				return err
			}

			db, err := graph.Open(conf.Graph)
			if err != nil {
				return errors.WithMessage(server.ErrGraphUnreachable, err.Error())
			}
			defer func() { _ = db.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				return errors.WithMessage(server.ErrGraphUnreachable, err.Error())
			}

			fmt.Printf("graph ok: %s (%s, %s)\n", conf.Graph.Host, conf.Graph.PrimaryName, conf.Graph.ThoughtLogName)
			return nil
		},
	}
}

func seedPromptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-prompts",
		Short: "Bootstrap the prompt subgraph with default atoms",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer()
			if err != nil {
				return err
			}
			defer func() { _ = srv.Shutdown() }()

			if err := srv.SeedPrompts(cmd.Context()); err != nil {
				return err
			}

			fmt.Println("prompt subgraph seeded")
			return nil
		},
	}
}
