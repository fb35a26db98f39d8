package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/chainport/chainport-go/pkg/connection"
	"github.com/chainport/chainport-go/pkg/log"
	"github.com/chainport/chainport-go/pkg/stack"
)

type connectOptions struct {
	config      string
	scheme      string
	host        string
	port        int
	retries     int
	timeout     time.Duration
	protocolLog string
	logLevel    string
}

func connectCmd() *cobra.Command {
	var opts connectOptions

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect through a chain and exchange messages interactively",
		Long: `Build the chain described by --config, connect the layer registered
under --scheme to host:port and start an interactive session.

Each input line is sent as one message (a text frame on WebSocket layers).
Received data is printed after every line.

Session commands:
  /ping    send a WebSocket ping
  /close   close the WebSocket session and exit
  /quit    exit without a closing handshake

Examples:
  chainport connect --config chain.yaml --scheme ws --host echo.example
  chainport connect --config chain.yaml --scheme wss --host echo.example --retries 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.config, "config", "c", "chain.yaml", "Chain description file")
	cmd.Flags().StringVarP(&opts.scheme, "scheme", "s", "", "Scheme of the layer to connect (default: outermost)")
	cmd.Flags().StringVar(&opts.host, "host", "", "Target host")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Target port (default: the layer's default port)")
	cmd.Flags().IntVar(&opts.retries, "retries", 0, "Extra connect attempts after a failure")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Timeout of each connect attempt")
	cmd.Flags().StringVar(&opts.protocolLog, "protocol-log", "", "Write protocol events to this CBOR file")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	_ = cmd.MarkFlagRequired("host")

	return cmd
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func runConnect(ctx context.Context, opts connectOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	level, err := parseLevel(opts.logLevel)
	if err != nil {
		return err
	}

	cfg, err := stack.Load(opts.config)
	if err != nil {
		return err
	}
	if opts.scheme == "" {
		opts.scheme = cfg.Transports[len(cfg.Transports)-1].Scheme
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          opts.scheme + "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	logger := slog.New(slog.NewTextHandler(rl.Stderr(), &slog.HandlerOptions{Level: level}))

	buildOpts := []stack.BuildOption{stack.WithSlog(logger)}
	if opts.protocolLog != "" {
		fileLogger, err := log.NewFileLogger(opts.protocolLog)
		if err != nil {
			return fmt.Errorf("open protocol log: %w", err)
		}
		defer func() {
			if dropped := fileLogger.Dropped(); dropped > 0 {
				logger.Warn("protocol events dropped", "count", dropped)
			}
			fileLogger.Close()
		}()
		buildOpts = append(buildOpts, stack.WithLogger(fileLogger))
	}

	reg, err := cfg.Build(buildOpts...)
	if err != nil {
		return err
	}
	defer reg.Destroy()

	t := reg.Get(opts.scheme)
	if t == nil {
		return fmt.Errorf("scheme %q is not defined in %s", opts.scheme, opts.config)
	}
	port := opts.port
	if port == 0 {
		port = t.DefaultPort()
	}

	d := &connection.Dialer{
		Transport: t,
		Host:      opts.host,
		Port:      port,
		Timeout:   opts.timeout,
		Attempts:  opts.retries + 1,
		Log:       logger,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			logger.Warn("connect failed", "attempt", attempt, "retry_in", delay, "error", err)
		},
	}
	if err := d.Redial(ctx); err != nil {
		return err
	}
	logger.Info("connected", "scheme", opts.scheme, "host", opts.host, "port", port)

	s := newSession(t, rl.Stdout())
	return s.run(ctx, rl)
}

// lineReader is the part of readline.Instance the session loop needs.
type lineReader interface {
	Readline() (string, error)
}

func (s *session) run(ctx context.Context, lines lineReader) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		line, err := lines.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if err := s.drain(); err != nil {
				return s.finish(err)
			}
			continue
		}

		quit, err := s.handle(line)
		if err != nil {
			return s.finish(err)
		}
		if quit {
			return nil
		}
		if err := s.drain(); err != nil {
			return s.finish(err)
		}
	}
}
