package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	comms "github.com/glimte/mmate-comms"
	"github.com/glimte/mmate-comms/config"
	"github.com/glimte/mmate-comms/contracts"
	"github.com/glimte/mmate-comms/health"
	"github.com/glimte/mmate-comms/interceptors"
	"github.com/glimte/mmate-comms/messaging"
	"github.com/glimte/mmate-comms/transports/rabbitmq"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		log.Fatal(err)
	}
}

// cli carries the global flags into every command
type cli struct {
	out        io.Writer
	configFile string
	verbose    bool
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	rootCmd := &cobra.Command{
		Use:   "commsctl",
		Short: "Send, ask and watch through comms endpoints",
		Long: `commsctl drives the endpoints declared in a comms config file.
It sends messages and asks into a service's input queue, watches a
service's output queue and serves broker health over HTTP.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVarP(&c.configFile, "config", "c", "comms.yaml", "Path to the comms config file")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		c.validateCmd(),
		c.sendCmd(),
		c.askCmd(),
		c.watchCmd(),
		c.healthCmd(),
	)
	return rootCmd
}

func (c *cli) logger() *slog.Logger {
	level := slog.LevelInfo
	if c.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func (c *cli) load() (*config.Config, error) {
	cfg, err := config.Load(c.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// connect loads the config and opens the broker it names
func (c *cli) connect(ctx context.Context) (*config.Config, *rabbitmq.Broker, error) {
	cfg, err := c.load()
	if err != nil {
		return nil, nil, err
	}
	broker, err := rabbitmq.NewBrokerFromConfig(ctx, cfg, rabbitmq.WithLogger(c.logger()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect: %w", err)
	}
	return cfg, broker, nil
}

// communicator builds the named config entry with only the directions the command needs
func (c *cli) communicator(broker messaging.Broker, cfg *config.Config, name string, adjust func(*comms.CommunicatorConfig)) (*comms.Communicator, error) {
	entry, ok := cfg.Communicator(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownCommunicator, name)
	}
	commCfg := comms.CommunicatorConfigFrom(entry)
	adjust(&commCfg)
	return comms.NewCommunicator(broker, commCfg, comms.WithLogger(c.logger()))
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and print the resolved queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			for _, entry := range cfg.Services {
				if err := comms.ServiceConfigFrom(entry).Validate(); err != nil {
					return fmt.Errorf("service %q: %w", entry.Name, err)
				}
			}
			for _, entry := range cfg.Communicators {
				if err := comms.CommunicatorConfigFrom(entry).Validate(); err != nil {
					return fmt.Errorf("communicator %q: %w", entry.Name, err)
				}
			}
			printEndpoints(c.out, cfg)
			return nil
		},
	}
}

func (c *cli) sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <communicator> <json>",
		Short: "Publish a JSON payload into a service's input queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args[1])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			cfg, broker, err := c.connect(ctx)
			if err != nil {
				return err
			}
			defer broker.Close()

			comm, err := c.communicator(broker, cfg, args[0], func(cc *comms.CommunicatorConfig) {
				cc.InputEnabled, cc.OutputEnabled, cc.UseAsk, cc.ShouldDiscardMessages = true, false, false, false
			})
			if err != nil {
				return err
			}
			if err := comm.Start(ctx); err != nil {
				return err
			}
			defer comm.Close()

			if err := comm.Send(ctx, payload, nil); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "sent to %s\n", comm.Topology().InputQueue())
			return nil
		},
	}
}

func (c *cli) askCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ask <communicator> <subject> <json>",
		Short: "Send an ask and print the reply",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args[2])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			cfg, broker, err := c.connect(ctx)
			if err != nil {
				return err
			}
			defer broker.Close()

			comm, err := c.communicator(broker, cfg, args[0], func(cc *comms.CommunicatorConfig) {
				cc.UseAsk = true
			})
			if err != nil {
				return err
			}
			if err := comm.Start(ctx); err != nil {
				return err
			}
			defer comm.Close()

			var opts []comms.AskOption
			if timeout > 0 {
				opts = append(opts, comms.WithAskTimeout(timeout))
			}
			reply, err := comm.Request(ctx, args[1], payload, nil, opts...)
			if err != nil {
				return err
			}
			printReply(c.out, reply)
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Ask timeout (defaults to the config value)")
	return cmd
}

func (c *cli) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <communicator>",
		Short: "Print every message a service publishes to its output queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			cfg, broker, err := c.connect(ctx)
			if err != nil {
				return err
			}
			defer broker.Close()

			entry, ok := cfg.Communicator(args[0])
			if !ok {
				return fmt.Errorf("%w: %s", contracts.ErrUnknownCommunicator, args[0])
			}
			commCfg := comms.CommunicatorConfigFrom(entry)
			commCfg.InputEnabled, commCfg.OutputEnabled, commCfg.UseAsk = false, true, false

			logger := c.logger()
			manager, err := comms.NewManager(broker, comms.WithNamespace(cfg.Namespace), comms.WithLogger(logger))
			if err != nil {
				return err
			}
			defer manager.Close()

			printer := messaging.HandlerFunc(func(ctx context.Context, lc *messaging.ListenerContext) error {
				printMessage(c.out, lc)
				return nil
			})
			if err := manager.RegisterCommunicator(entry.Name, commCfg, printer); err != nil {
				return err
			}
			counters := interceptors.NewCounters()
			mw := []interceptors.Interceptor{
				interceptors.NewRecoveryInterceptor(logger),
				interceptors.NewLoggingInterceptor(logger),
				interceptors.NewMetricsInterceptor(counters),
			}
			if err := manager.ApplyMiddleware(append(mw, comms.HandlerMiddleware(cfg.Handlers)...)...); err != nil {
				return err
			}
			if err := manager.Start(ctx); err != nil {
				return err
			}

			fmt.Fprintln(c.out, "Watching... Press Ctrl+C to stop")
			fmt.Fprintln(c.out, strings.Repeat("-", 80))
			<-ctx.Done()

			printSummary(c.out, counters.Snapshot())
			return nil
		},
	}
}

func (c *cli) healthCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Serve broker health over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			_, broker, err := c.connect(ctx)
			if err != nil {
				return err
			}
			defer broker.Close()

			registry := health.NewRegistry()
			registry.Register(health.NewConnectionChecker("rabbitmq", broker))

			mux := http.NewServeMux()
			mux.Handle("/health", health.NewHandler(registry, 5*time.Second))
			server := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			fmt.Fprintf(c.out, "Serving health on %s/health\n", listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", ":8081", "HTTP listen address")
	return cmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func parsePayload(arg string) (json.RawMessage, error) {
	if !json.Valid([]byte(arg)) {
		return nil, fmt.Errorf("payload is not valid JSON: %s", truncate(arg, 40))
	}
	return json.RawMessage(arg), nil
}

// Output formatting functions

func printEndpoints(out io.Writer, cfg *config.Config) {
	fmt.Fprintf(out, "%-10s %-20s %-40s %-40s\n", "Kind", "Name", "Input", "Output")
	fmt.Fprintln(out, strings.Repeat("-", 110))

	for _, svc := range cfg.Services {
		t := contracts.NewTopology(svc.Namespace, svc.Name)
		fmt.Fprintf(out, "%-10s %-20s %-40s %-40s\n", "service", truncate(svc.Name, 20),
			queueOrDash(svc.Input, t.InputQueue()), queueOrDash(svc.Output, t.OutputQueue()))
	}
	for _, comm := range cfg.Communicators {
		t := contracts.NewTopology(comm.Namespace, comm.Target)
		fmt.Fprintf(out, "%-10s %-20s %-40s %-40s\n", "peer", truncate(comm.Name, 20),
			queueOrDash(comm.Input || comm.UseAsk, t.InputQueue()), queueOrDash(comm.Output || comm.UseAsk, t.OutputQueue()))
	}
}

func printMessage(out io.Writer, lc *messaging.ListenerContext) {
	fmt.Fprintf(out, "Message %s:\n", lc.MessageID())
	fmt.Fprintf(out, "  Kind: %s\n", lc.Kind())
	if subject := lc.Subject(); subject != "" {
		fmt.Fprintf(out, "  Subject: %s\n", subject)
	}
	fmt.Fprintf(out, "  Redelivered: %t\n", lc.Redelivered())
	fmt.Fprintf(out, "  Data: %s\n", truncate(string(lc.Data()), 100))
	fmt.Fprintln(out, strings.Repeat("-", 60))
}

func printSummary(out io.Writer, stats []interceptors.EndpointStats) {
	for _, s := range stats {
		fmt.Fprintf(out, "%s: %d messages, %d errors, avg %v, max %v\n",
			s.Endpoint, s.Messages, s.Errors, s.AverageTime(), s.MaxTime)
	}
}

func printReply(out io.Writer, reply *messaging.Reply) {
	fmt.Fprintf(out, "Reply to %s:\n", reply.Metadata.IsReplyTo())
	fmt.Fprintf(out, "  %s\n", reply.Data)
}

func queueOrDash(enabled bool, queue string) string {
	if !enabled {
		return "-"
	}
	return queue
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
