package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dontskiphq/dontskip/internal/config"
	"github.com/dontskiphq/dontskip/internal/lockout"
	"github.com/dontskiphq/dontskip/internal/monitor"
	"github.com/dontskiphq/dontskip/internal/remote"
	"github.com/dontskiphq/dontskip/internal/store/gormstore"
	"github.com/dontskiphq/dontskip/pkg/credit"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const flagConfig = "config"

const historyLimit = 20

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dontskip: %v\n", err)
		os.Exit(1)
	}
}

// runtime bundles the wired collaborators every subcommand needs.
type runtime struct {
	cfg     config.Config
	ledger  *credit.Ledger
	machine *lockout.Machine
	monitor *monitor.Monitor
	logger  *zap.Logger
	close   func() error
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dontskip",
		Short:         "Don't Skip agent: earn coding time with workouts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String(flagConfig, "", "path to the agent config file")

	cmd.AddCommand(
		newRunCommand(),
		newWorkoutCommand(),
		newStatusCommand(),
		newHistoryCommand(),
		newSyncCommand(),
		newEmergencyCommand(),
		newResetCommand(),
	)
	return cmd
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the monitor loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = rt.close() }()

			// A terminal session holds focus for its whole lifetime; editor
			// integrations deliver real focus and edit events instead.
			rt.monitor.HandleFocusGained()

			scheduler := monitor.NewScheduler(rt.monitor, rt.ledger, rt.machine, rt.cfg.Intervals(), rt.logger)
			return scheduler.Run(ctx)
		},
	}
}

func newWorkoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "workout <type> <duration-minutes>",
		Short: "Record a workout and earn coding credit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			duration, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("parse duration %q: %w", args[1], err)
			}

			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = rt.close() }()

			batch, err := rt.cfg.ConversionRules().ConvertWorkout(args[0], credit.Minutes(duration), time.Now().UTC())
			if err != nil {
				return err
			}
			if err := rt.ledger.AddBatch(cmd.Context(), batch); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "earned %d minutes (expires %s)\n",
				batch.GrantedMinutes.Int64(), batch.ExpiresAt.Local().Format(time.RFC822))
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current balance and lockout state",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = rt.close() }()

			ctx := cmd.Context()
			availableHours, err := rt.ledger.AvailableHours(ctx)
			if err != nil {
				return err
			}
			pending, err := rt.ledger.PendingSpendMinutes(ctx)
			if err != nil {
				return err
			}
			dailyUsed, err := rt.ledger.DailyMinutesUsed(ctx)
			if err != nil {
				return err
			}
			state := rt.machine.Evaluate(ctx)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "state:      %s\n", state)
			fmt.Fprintf(out, "available:  %.2f hours\n", availableHours)
			fmt.Fprintf(out, "pending:    %d minutes unsynced\n", pending.Int64())
			fmt.Fprintf(out, "used today: %d of %d minutes\n", dailyUsed.Int64(), rt.cfg.MaxDailyMinutes)
			return nil
		},
	}
}

func newHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List recent credit batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = rt.close() }()

			batches, err := rt.ledger.History(cmd.Context(), historyLimit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(batches) == 0 {
				fmt.Fprintln(out, "no batches recorded")
				return nil
			}
			for _, batch := range batches {
				fmt.Fprintf(out, "%s  %-24s %4d/%4d min  expires %s\n",
					batch.EarnedAt.Local().Format("2006-01-02 15:04"),
					batch.Source,
					batch.RemainingMinutes().Int64(),
					batch.GrantedMinutes.Int64(),
					batch.ExpiresAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Report pending spend to the backend now",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = rt.close() }()

			if err := rt.ledger.FlushPendingSpend(cmd.Context()); err != nil {
				return fmt.Errorf("sync failed, pending spend kept for retry: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "synced")
			return nil
		},
	}
}

func newEmergencyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "emergency",
		Short: "Unlock immediately using the emergency grace period",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = rt.close() }()

			batch, err := rt.machine.EmergencyUnlock(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unlocked for %d minutes\n", batch.EmergencyRemaining.Int64())
			return nil
		},
	}
}

func newResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Wipe all credit state (debug)",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = rt.close() }()

			if err := rt.ledger.ResetAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reset")
			return nil
		},
	}
}

func buildRuntime(cmd *cobra.Command) (*runtime, error) {
	configPath, err := cmd.Flags().GetString(flagConfig)
	if err != nil {
		return nil, err
	}
	if configPath == "" {
		configPath = os.Getenv("DONTSKIP_CONFIG")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}

	database, err := gorm.Open(sqlite.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	if err := gormstore.Migrate(database); err != nil {
		return nil, err
	}
	sqlDB, err := database.DB()
	if err != nil {
		return nil, err
	}

	balanceClient, err := remote.NewClient(cfg.RemoteConfig(), logger)
	if err != nil {
		return nil, err
	}

	ledger, err := credit.NewLedger(gormstore.New(database), balanceClient, func() time.Time { return time.Now().UTC() },
		credit.WithNotifier(consoleNotifier{}),
		credit.WithOperationLogger(zapOperationLogger{logger: logger}),
	)
	if err != nil {
		return nil, err
	}

	machine, err := lockout.NewMachine(ledger, consoleHost{}, credit.Minutes(cfg.MaxDailyMinutes), credit.Minutes(cfg.GraceMinutes), logger)
	if err != nil {
		return nil, err
	}
	activityMonitor, err := monitor.NewMonitor(ledger, machine, func() time.Time { return time.Now().UTC() }, logger)
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:     cfg,
		ledger:  ledger,
		machine: machine,
		monitor: activityMonitor,
		logger:  logger,
		close: func() error {
			_ = logger.Sync()
			return sqlDB.Close()
		},
	}, nil
}

// consoleHost is the terminal stand-in for an editor integration. There is
// nothing to revert, so lockout enforcement reduces to the notice.
type consoleHost struct{}

func (consoleHost) RevertChange(lockout.DocumentChange) error { return nil }

func (consoleHost) ShowNotice(message string) {
	fmt.Fprintf(os.Stderr, "\n*** %s ***\n", message)
}

type consoleNotifier struct{}

func (consoleNotifier) Notify(message string) {
	fmt.Fprintln(os.Stderr, message)
}

type zapOperationLogger struct {
	logger *zap.Logger
}

func (opLogger zapOperationLogger) LogOperation(_ context.Context, entry credit.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("source", entry.Source),
		zap.Int64("minutes", entry.Minutes.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	opLogger.logger.Info("ledger operation", fields...)
}
