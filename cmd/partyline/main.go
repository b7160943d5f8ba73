// Command partyline runs the broker, a demo producer, a demo consumer,
// or all three together: a root command with persistent flags for the
// shared config, and a subcommand per mode of operation.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/conclave-dev/partyline/internal/client"
	"github.com/conclave-dev/partyline/internal/config"
	"github.com/conclave-dev/partyline/internal/plog"
	"github.com/conclave-dev/partyline/internal/supervisor"
	"github.com/conclave-dev/partyline/internal/wire"
)

var (
	configFile string
	addr       string
	logDir     string
	quiet      bool
)

func main() {
	root := &cobra.Command{
		Use:   "partyline",
		Short: "A TCP message broker for clarification and status chatter between agents",
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&addr, "addr", "", "broker address override, e.g. localhost:8765")
	root.PersistentFlags().StringVar(&logDir, "log-dir", "logs", "directory for session log files")
	root.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress informational console output")

	root.AddCommand(brokerCmd(), produceCmd(), consumeCmd(), bothCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if addr != "" {
		cfg.Broker.Port = addr
	}
	return cfg, nil
}

func newLogger() (*plog.Logger, error) {
	l, err := plog.New(logDir, quiet)
	if err != nil {
		return nil, err
	}
	plog.SetGlobal(l)
	return l, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func brokerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "broker",
		Short: "Run a standalone broker that blocks until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Close()

			out, err := supervisor.Attach(context.Background(), cfg, log)
			if err != nil {
				return err
			}
			if out.Attached {
				return fmt.Errorf("a broker is already listening on %s", cfg.Broker.Port)
			}
			log.Info("broker started on %s", out.Owner.Addr())
			out.Owner.Run()
			return nil
		},
	}
}

func produceCmd() *cobra.Command {
	var clientID string
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Run a demo producer that sends a clarification and waits for a reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, cancel := signalContext()
			defer cancel()

			out, err := supervisor.Attach(ctx, cfg, log)
			if err != nil {
				return err
			}
			if out.Owner != nil {
				go out.Owner.Run()
				defer out.Owner.Stop()
			}

			if clientID == "" {
				clientID = "producer-" + uuid.NewString()[:8]
			}
			return runProducer(ctx, cfg, log, clientID)
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "", "producer client id (default: generated)")
	return cmd
}

func consumeCmd() *cobra.Command {
	var clientID string
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Run a demo consumer that answers clarifications from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, cancel := signalContext()
			defer cancel()

			// Consumers never spawn a broker of their own.
			if err := supervisor.AttachOnly(cfg); err != nil {
				return err
			}

			if clientID == "" {
				clientID = "consumer-" + uuid.NewString()[:8]
			}
			return runConsumer(ctx, cfg, log, clientID)
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "", "consumer client id (default: generated)")
	return cmd
}

func bothCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "both",
		Short: "Run a broker, a demo producer, and a demo consumer in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, cancel := signalContext()
			defer cancel()

			out, err := supervisor.Attach(ctx, cfg, log)
			if err != nil {
				return err
			}
			if out.Owner != nil {
				go out.Owner.Run()
				defer out.Owner.Stop()
			}

			go runConsumer(ctx, cfg, log, "consumer-demo")
			time.Sleep(200 * time.Millisecond)
			return runProducer(ctx, cfg, log, "producer-demo")
		},
	}
}

func dialAddr(cfg *config.Config) string {
	a := cfg.Broker.Port
	if len(a) > 0 && a[0] == ':' {
		return "localhost" + a
	}
	return a
}

func runProducer(ctx context.Context, cfg *config.Config, log *plog.Logger, clientID string) error {
	c := client.New(dialAddr(cfg), clientID, wire.RoleProducer, wire.ClientMCPServer, cfg.Client, log)
	connected := make(chan struct{}, 1)
	c.SetHandlers(client.Handlers{
		OnSync: func() {
			select {
			case connected <- struct{}{}:
			default:
			}
		},
		OnDisconnected: func() { log.Info("producer %s disconnected", clientID) },
		OnMaxReconnectAttempts: func() {
			log.Error("producer %s exhausted reconnect attempts", clientID)
		},
	})

	go c.Run(ctx)
	defer c.Close()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("producer failed to connect to %s", dialAddr(cfg))
	case <-ctx.Done():
		return nil
	}

	reqID := uuid.NewString()
	req := wire.Clarification{
		ID:       reqID,
		Question: "What should I name the output file?",
		Urgency:  wire.UrgencyMedium,
		Status:   wire.StatusPending,
	}
	if err := c.SendClarification(req); err != nil {
		return err
	}
	log.Info("producer %s sent clarification %s", clientID, reqID)

	answer, err := c.AwaitReply(reqID, 30*time.Second)
	if err != nil {
		log.Error("producer %s did not get a reply: %v", clientID, err)
		return nil
	}
	log.Info("producer %s received answer: %s", clientID, answer)
	return nil
}

func runConsumer(ctx context.Context, cfg *config.Config, log *plog.Logger, clientID string) error {
	c := client.New(dialAddr(cfg), clientID, wire.RoleConsumer, wire.ClientCLI, cfg.Client, log)
	c.SetHandlers(client.Handlers{
		OnClarification: func(req wire.Clarification) {
			fmt.Printf("\nclarification from producer (%s): %s\n> ", req.Urgency, req.Question)
			reader := bufio.NewReader(os.Stdin)
			line, _ := reader.ReadString('\n')
			answer := strings.TrimSpace(line)
			if err := c.SendResponse(req.ID, answer); err != nil {
				log.Error("consumer %s failed to send response: %v", clientID, err)
			}
		},
		OnYap: func(y wire.Yap) {
			fmt.Printf("[yap] %s\n", y.Message)
		},
		OnDisconnected: func() { log.Info("consumer %s disconnected", clientID) },
		OnMaxReconnectAttempts: func() {
			log.Error("consumer %s exhausted reconnect attempts", clientID)
		},
	})

	go c.Run(ctx)
	defer c.Close()

	<-ctx.Done()
	return nil
}
