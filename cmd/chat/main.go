package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	sessionID string
)

var rootCmd = &cobra.Command{
	Use:   "chat",
	Short: "Ask questions about a database through a QueryDesk server",
	Long: `chat talks to a QueryDesk server. Without a subcommand it starts an
interactive session that streams the agent's reasoning as it works.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(serverURL)
		id, err := c.ensureSession(sessionID)
		if err != nil {
			return err
		}
		return repl(c, id)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("QUERYDESK_URL", "http://localhost:8080"), "QueryDesk server URL")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", os.Getenv("QUERYDESK_SESSION"), "session ID (a new session is created when empty)")
}

func repl(c *client, id string) error {
	fmt.Println("QueryDesk Chat")
	fmt.Printf("Server: %s | Session: %s\n", c.base, id)
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("Commands: /schema, /history, /queries, /reset, /samples")
	fmt.Println("---")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		var err error
		switch input {
		case "exit", "quit":
			fmt.Println("Bye!")
			return nil
		case "/schema":
			err = c.printSchema(id)
		case "/history":
			err = c.printHistory(id)
		case "/queries":
			err = c.printQueries(id)
		case "/reset":
			err = c.reset(id)
		case "/samples":
			err = c.printSamples()
		default:
			err = c.ask(id, input, true)
		}
		if err != nil {
			printError("%v", err)
		}
	}
	return scanner.Err()
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
