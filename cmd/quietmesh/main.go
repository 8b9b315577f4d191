package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"quietmesh/core"
	"quietmesh/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "quietmesh", Short: "event-sourced p2p messaging node"}
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(commandCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(configCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig pulls .env overrides then the config file set, falling back to
// built-in defaults when no file exists.
func loadConfig() *config.Config {
	_ = godotenv.Load()
	cfg, err := config.LoadFromEnv()
	if err != nil {
		cfg = config.Default()
	}
	return cfg
}

func openNode(cfg *config.Config) (*core.Node, error) {
	lv, err := logrus.ParseLevel(cfg.Logging.Level)
	if err == nil {
		logrus.SetLevel(lv)
	}
	store, err := core.OpenStore(cfg.Node.DBPath, logrus.StandardLogger())
	if err != nil {
		return nil, err
	}
	return core.NewNode(store, logrus.StandardLogger()), nil
}

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "node"}
	start := &cobra.Command{
		Use:   "start",
		Short: "run the node: pipeline, scheduler, transport and local API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig()
			n, err := openNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sched := core.NewScheduler(n,
				int64(cfg.Sync.RequestIntervalMS),
				int64(cfg.Sync.RecheckIntervalMS),
				int64(cfg.Sync.LeaseTTLMS),
				logrus.StandardLogger())
			sched.Start(ctx)
			defer sched.Stop()

			tr := core.NewTransport(n, cfg.Node.DatagramBind,
				int64(cfg.Sync.OutgoingRetryMS), logrus.StandardLogger())
			if err := tr.Start(ctx); err != nil {
				return err
			}
			defer tr.Stop()

			srv := &http.Server{Addr: cfg.Node.HTTPBind, Handler: core.NewRouter(n, logrus.StandardLogger())}
			go func() {
				logrus.Infof("api listening on %s", cfg.Node.HTTPBind)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logrus.Errorf("api: %v", err)
				}
			}()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-sig:
			case <-ctx.Done():
			}
			return srv.Shutdown(context.Background())
		},
	}
	cmd.AddCommand(start)
	return cmd
}

func commandCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "command <name> [params-json]",
		Short: "submit a local command",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
					return fmt.Errorf("params: %w", err)
				}
			}
			n, err := openNode(loadConfig())
			if err != nil {
				return err
			}
			defer n.Close()
			res := n.SubmitCommand(args[0], params)
			out, _ := json.MarshalIndent(res, "", "  ")
			fmt.Println(string(out))
			if !res.Success {
				os.Exit(1)
			}
			return nil
		},
	}
	return cmd
}

func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <name> [params-json]",
		Short: "run a named read-only query",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
					return fmt.Errorf("params: %w", err)
				}
			}
			n, err := openNode(loadConfig())
			if err != nil {
				return err
			}
			defer n.Close()
			rows, err := n.Query(args[0], params)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(rows, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config"}
	show := &cobra.Command{
		Use:   "show",
		Short: "print the effective configuration",
		RunE: func(*cobra.Command, []string) error {
			out, err := config.Dump(loadConfig())
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	cmd.AddCommand(show)
	return cmd
}
