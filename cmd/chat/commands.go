package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nidhogg/querydesk/internal/events"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask one question and print the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		quiet, _ := cmd.Flags().GetBool("quiet")
		c := newClient(serverURL)
		id, err := c.ensureSession(sessionID)
		if err != nil {
			return err
		}
		return c.ask(id, strings.Join(args, " "), !quiet)
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Show every table and its columns",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(serverURL)
		id, err := c.ensureSession(sessionID)
		if err != nil {
			return err
		}
		return c.printSchema(id)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the chat history and recent queries of a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if sessionID == "" {
			return errors.New("--session is required")
		}
		c := newClient(serverURL)
		if err := c.printHistory(sessionID); err != nil {
			return err
		}
		return c.printQueries(sessionID)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the chat history of a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if sessionID == "" {
			return errors.New("--session is required")
		}
		return newClient(serverURL).reset(sessionID)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the step events of a session from Redis",
	RunE: func(cmd *cobra.Command, args []string) error {
		if sessionID == "" {
			return errors.New("--session is required")
		}
		redisURL, _ := cmd.Flags().GetString("redis")
		bus, err := events.NewBus(redisURL, 0, zap.NewNop())
		if err != nil {
			return err
		}
		defer bus.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		backlog, _ := cmd.Flags().GetInt64("backlog")
		if backlog > 0 {
			recs, err := bus.History(ctx, sessionID, backlog)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				printRecord(rec)
			}
		}

		fmt.Printf("Watching session %s (Ctrl-C to stop)\n", sessionID)
		for rec := range bus.Subscribe(ctx, sessionID) {
			printRecord(rec)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(askCmd, schemaCmd, historyCmd, resetCmd, watchCmd)

	askCmd.Flags().BoolP("quiet", "q", false, "print only the answer")
	watchCmd.Flags().String("redis", envOr("REDIS_URL", "redis://localhost:6379/0"), "Redis URL the server publishes to")
	watchCmd.Flags().Int64("backlog", 20, "number of past events to print first")
}

func printRecord(rec *events.Record) {
	fmt.Printf("\033[90m%s [%s]\033[0m ", rec.Timestamp.Format("15:04:05"), shortID(rec.TurnID))
	printEvent(rec.Event)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
