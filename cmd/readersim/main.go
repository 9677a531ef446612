// Reader simulator for exercising the server without fingerprint hardware
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"lanchego/internal/logging"
	"lanchego/internal/readersim"
)

func main() {
	var (
		url       string
		token     string
		latency   time.Duration
		heartbeat time.Duration
		capacity  int
		stored    string
	)

	rootCmd := &cobra.Command{
		Use:   "readersim",
		Short: "Simulate the fingerprint reader agent",
		Long: `readersim connects to the agent endpoint like the reader service does and
answers enrollment and erase commands. Type actions on stdin to place
fingers on the simulated reader; "help" lists them.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("AGENT_TOKEN")
			}
			logger, err := logging.Init(logging.FromEnv())
			if err != nil {
				return err
			}

			agent := readersim.New(readersim.Options{
				URL:       url,
				Token:     token,
				Latency:   latency,
				Heartbeat: heartbeat,
				Capacity:  capacity,
				Logger:    logging.Component(logger, "readersim"),
			})
			if stored != "" {
				for _, s := range strings.Split(stored, ",") {
					n, err := strconv.Atoi(strings.TrimSpace(s))
					if err != nil {
						return fmt.Errorf("invalid --store entry %q", s)
					}
					agent.Store(n)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			done := make(chan error, 1)
			go func() { done <- agent.Run(ctx) }()

			select {
			case <-agent.Ready():
				fmt.Printf("%s connected to %s\n", color.GreenString("✓"), url)
			case err := <-done:
				return fmt.Errorf("connect: %w", err)
			}

			go console(ctx, agent)

			err = <-done
			if ctx.Err() != nil {
				fmt.Println("bye")
				return nil
			}
			return err
		},
	}

	f := rootCmd.Flags()
	f.StringVar(&url, "url", "ws://localhost:8000/ws/agent", "agent websocket endpoint")
	f.StringVar(&token, "token", "", "agent token (defaults to $AGENT_TOKEN)")
	f.DurationVar(&latency, "latency", 200*time.Millisecond, "delay before every reader reply")
	f.DurationVar(&heartbeat, "heartbeat", 5*time.Second, "heartbeat interval, 0 disables")
	f.IntVar(&capacity, "capacity", 127, "number of template slots")
	f.StringVar(&stored, "store", "", "comma separated slots holding templates at start")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func console(ctx context.Context, agent *readersim.Agent) {
	scanner := bufio.NewScanner(os.Stdin)
	prompt := color.New(color.FgCyan).SprintFunc()
	fmt.Print(prompt("> "))
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		out, err := agent.Exec(scanner.Text())
		switch {
		case err != nil:
			fmt.Println(color.YellowString(err.Error()))
		case out != "":
			fmt.Println(out)
		}
		fmt.Print(prompt("> "))
	}
}
