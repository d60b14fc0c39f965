package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/aegistudio/shaft"
	"github.com/aegistudio/shaft/serpent"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/chaitin/uprobetrace"
)

// probeHandler is a probe contributed by a module, with
// the function handling each of its entries.
type probeHandler struct {
	probe  uprobetrace.Probe
	handle func(*uprobetrace.Entry) error
}

var (
	moduleInits  []func() shaft.Option
	allEnabled   bool
	logLevel     = "info"
	sessionName  = "uprobetrace"
	tracefsPath  string
	blockingRead bool
)

// dispatchEntries hands every entry of the session to the
// handler of its event, until ctx is done.
func dispatchEntries(
	ctx context.Context, session *uprobetrace.Session,
	handlers []probeHandler, logger *zap.SugaredLogger,
) error {
	iter := session.Entries(ctx)
	for iter.Next() {
		entry := iter.Entry()
		for _, handler := range handlers {
			if !entry.IsEvent(handler.probe.Event) {
				continue
			}
			if err := handler.handle(entry); err != nil {
				logger.Warnf("handle %q: %s",
					handler.probe.Event, err)
			}
			break
		}
	}
	if err := iter.Err(); err != nil &&
		!errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:  "uprobetrace",
	Long: "Linux user space function tracer",
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		for _, moduleInit := range moduleInits {
			if err := serpent.AddOption(
				cmd, moduleInit()); err != nil {
				return err
			}
		}
		return nil
	},
	RunE: serpent.Executor(shaft.Module(
		shaft.Stack(func(
			next func(*errgroup.Group, context.Context) error,
			rootCtx serpent.CommandContext,
		) error {
			cancelCtx, cancel := context.WithCancel(rootCtx)
			group, ctx := errgroup.WithContext(cancelCtx)
			defer func() { _ = group.Wait() }()
			defer cancel()
			return next(group, ctx)
		}),
		shaft.Invoke(func(
			group *errgroup.Group, _ *uprobetrace.Session,
			logger *zap.SugaredLogger,
		) error {
			logger.Info("initialization complete")
			return group.Wait()
		}),
		shaft.Stack(func(
			next func(*uprobetrace.Session) error,
			ctx context.Context, group *errgroup.Group,
			logger *zap.Logger, sugaredLogger *zap.SugaredLogger,
			handlers []probeHandler,
		) error {
			if len(handlers) == 0 {
				return errors.New("no probe enabled")
			}
			options := []uprobetrace.Option{
				uprobetrace.WithLogger(logger),
				uprobetrace.WithBlockingRead(blockingRead),
			}
			if tracefsPath != "" {
				options = append(options,
					uprobetrace.WithTraceFSPath(tracefsPath))
			}
			session, err := uprobetrace.New(sessionName, options...)
			if err != nil {
				return err
			}
			defer session.Close()
			for _, handler := range handlers {
				if err := session.Add(handler.probe); err != nil {
					return err
				}
			}
			if err := session.Enable(); err != nil {
				return err
			}
			group.Go(func() error {
				return dispatchEntries(
					ctx, session, handlers, sugaredLogger)
			})
			return next(session)
		}),
		shaft.Stack(func(
			next func(*zap.Logger, *zap.SugaredLogger) error,
		) error {
			level, err := zapcore.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			consoleLevel := zap.NewAtomicLevelAt(level)
			consoleConfig := zap.NewDevelopmentEncoderConfig()
			consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
			consoleErrors := zapcore.Lock(os.Stderr)
			consoleEncoder := zapcore.NewConsoleEncoder(consoleConfig)
			loggerCore := zapcore.NewCore(
				consoleEncoder, consoleErrors, consoleLevel)
			logger := zap.New(loggerCore)
			sugaredLogger := logger.Sugar()
			defer func() { _ = logger.Sync() }()
			return next(logger, sugaredLogger)
		}),
	)).RunE,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(
		&allEnabled, "all", allEnabled,
		"enable all supported probes")
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", logLevel,
		"setup the log level of the logger")
	rootCmd.PersistentFlags().StringVar(
		&sessionName, "session", sessionName,
		"name of the session, probes left by previous "+
			"sessions with the same name are removed")
	rootCmd.PersistentFlags().StringVar(
		&tracefsPath, "tracefs", tracefsPath,
		"path of the tracefs, detected if unspecified")
	rootCmd.PersistentFlags().BoolVar(
		&blockingRead, "blocking-read", blockingRead,
		"read the trace pipe with blocking reads")
}

func main() {
	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt)
	defer cancel()
	if err := serpent.ExecuteContext(ctx, rootCmd); err != nil {
		os.Exit(1)
	}
}
