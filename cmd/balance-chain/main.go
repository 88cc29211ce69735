package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/balance-game/balance-game-backend/internal/app"
	"github.com/balance-game/balance-game-backend/internal/config"
	"github.com/balance-game/balance-game-backend/pkg/logger"
)

const serviceName = "balance-chain"

var (
	configFile string
	// logLevel 非空时覆盖配置中的日志级别
	logLevel string
)

// setup 加载配置并初始化日志
func setup(validate bool) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: serviceName,
		Environment: cfg.Service.Env,
	}); err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	if logLevel != "" {
		logger.SetLevel(logLevel)
	}

	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// signalContext SIGINT / SIGTERM 时取消
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func serveRun(cmd *cobra.Command, _ []string) error {
	cfg, err := setup(true)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting service",
		zap.String("service", serviceName),
		zap.String("env", cfg.Service.Env),
		zap.Int("grpc_port", cfg.Service.GRPCPort),
		zap.Int("metrics_port", cfg.Service.MetricsPort))

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		return err
	}

	if err := application.Run(ctx); err != nil {
		return err
	}

	logger.Info("service stopped")
	return nil
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Sync contract events and run reconciliation jobs",
		RunE:  serveRun,
	}
}

func recoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Replay contract events from the checkpoint to the chain head once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(true)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			application, err := app.NewApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer application.Close()

			result, err := application.RecoverOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered blocks %d..%d: %d events in %d windows\n",
				result.FromBlock, result.ToBlock, result.Total(), result.Windows)
			return nil
		},
	}
}

func sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Finalize every game past its deadline once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(true)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			application, err := app.NewApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer application.Close()

			result, err := application.SweepOnce()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "finalize sweep: %d attempted, %d succeeded, %d failed\n",
				result.ProcessedCount, result.AffectedCount, result.ErrorCount)
			return nil
		},
	}
}

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the checkpoint and its distance to the chain head",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(true)
			if err != nil {
				return err
			}
			defer logger.Sync()

			application, err := app.NewApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer application.Close()

			status, err := application.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if status.HasCheckpoint {
				fmt.Fprintf(out, "%s (%d): checkpoint %d, head %d, lag %d\n",
					status.ChainName, status.ChainID, status.CheckpointBlock, status.HeadBlock, status.Lag)
			} else {
				fmt.Fprintf(out, "%s (%d): no checkpoint, head %d\n",
					status.ChainName, status.ChainID, status.HeadBlock)
			}
			fmt.Fprintf(out, "healthy rpc endpoints: %s\n", strings.Join(application.HealthyRPCEndpoints(), ", "))
			return nil
		},
	}
}

func gameCommand() *cobra.Command {
	var voter string
	cmd := &cobra.Command{
		Use:   "game <id>",
		Short: "Print the stored state of one game",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gameID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || gameID < 0 {
				return fmt.Errorf("invalid game id %q", args[0])
			}
			var voterAddr common.Address
			if voter != "" {
				if !common.IsHexAddress(voter) {
					return fmt.Errorf("invalid voter address %q", voter)
				}
				voterAddr = common.HexToAddress(voter)
			}

			cfg, err := setup(true)
			if err != nil {
				return err
			}
			defer logger.Sync()

			application, err := app.NewApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer application.Close()

			summary, err := application.GameSummary(cmd.Context(), gameID, voterAddr)
			if err != nil {
				return err
			}
			g := summary.Game
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "game %d: %s vs %s, deadline %d, checked %t\n",
				g.ID, g.OptionA, g.OptionB, g.Deadline, g.IsChecked)
			fmt.Fprintf(out, "tally: A %d, B %d, pool %s, %d stored votes\n",
				g.VoteCountA, g.VoteCountB, g.TotalPool.String(), summary.VoteCount)
			if g.FailMessage != "" {
				fmt.Fprintf(out, "finalize failed: %s\n", g.FailMessage)
			}
			for _, w := range summary.Winners {
				fmt.Fprintf(out, "winner rank %d: user %d, claimed %t\n", w.Rank, w.UserID, w.IsClaimed)
			}
			if voterAddr != (common.Address{}) {
				if summary.Vote == nil {
					fmt.Fprintf(out, "%s has not voted\n", voterAddr.Hex())
				} else {
					fmt.Fprintf(out, "%s voted %s at block %d\n", voterAddr.Hex(), summary.Vote.Option, summary.Vote.BlockNumber)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&voter, "voter", "", "also print the vote of this address")
	return cmd
}

// withDatabase 只连接数据库执行 fn
func withDatabase(fn func(db *gorm.DB, cfg *config.Config) error) error {
	cfg, err := setup(false)
	if err != nil {
		return err
	}
	defer logger.Sync()

	db, err := app.OpenDatabase(cfg.Postgres)
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()
	return fn(db, cfg)
}

func migrateCommand() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withDatabase(func(db *gorm.DB, cfg *config.Config) error {
				if down {
					return app.RollbackMigration(db, cfg.Service.Name)
				}
				return app.RunMigrations(db, cfg.Service.Name)
			})
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the latest migration instead")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied migration version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDatabase(func(db *gorm.DB, cfg *config.Config) error {
				version, dirty, err := app.MigrationVersion(db, cfg.Service.Name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty=%t)\n", version, dirty)
				return nil
			})
		},
	})
	return cmd
}

func main() {
	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "BalanceGame ledger event ingestion and recovery",
		RunE:          serveRun,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "config file path, empty to read only the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(
		serveCommand(),
		recoverCommand(),
		sweepCommand(),
		statusCommand(),
		gameCommand(),
		migrateCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
