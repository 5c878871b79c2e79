package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/commsd/commsd/internal/client"
	"github.com/commsd/commsd/internal/config"
	"github.com/commsd/commsd/internal/daemon"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "commsd",
		Short: "Warm communications gateway daemon",
		Long: `Commsd keeps warm connections to your communication surfaces
(iMessage history, contacts, calendar, email, reminders) and serves
them over a unix socket so one-shot clients stay fast.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("commsd %s (%s, %s)\n", version, commit, buildDate)
		},
	})

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(callCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	var foreground bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			if !foreground {
				return spawnBackground(cfg)
			}

			log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d := daemon.New(cfg, log)
			return d.Serve(ctx)
		},
	}
	cmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in the foreground")
	return cmd
}

// spawnBackground re-execs this binary detached with --foreground,
// logging to a file under the data dir.
func spawnBackground(cfg *config.Config) error {
	if probe := client.New(cfg.SocketPath, 250*time.Millisecond); socketAlive(probe) {
		fmt.Println("Daemon already running")
		return nil
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}

	logPath := filepath.Join(filepath.Dir(cfg.PIDPath), "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(self, "start", "--foreground")
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("Daemon started (pid %d, log %s)\n", child.Process.Pid, logPath)
	return child.Process.Release()
}

func socketAlive(c *client.Client) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	resp, err := c.Call(ctx, "daemon", "status", nil)
	return err == nil && resp.OK
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			data, err := os.ReadFile(cfg.PIDPath)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("Daemon not running")
					return nil
				}
				return fmt.Errorf("failed to read pidfile: %w", err)
			}
			pid, err := strconv.Atoi(string(data))
			if err != nil {
				return fmt.Errorf("malformed pidfile %s: %w", cfg.PIDPath, err)
			}

			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				if err == syscall.ESRCH {
					fmt.Println("Daemon not running (removing stale pidfile)")
					os.Remove(cfg.PIDPath)
					os.Remove(cfg.SocketPath)
					return nil
				}
				return fmt.Errorf("failed to signal pid %d: %w", pid, err)
			}

			// Wait for the socket to disappear, bounded by the grace period.
			deadline := time.Now().Add(cfg.GracePeriod + time.Second)
			for time.Now().Before(deadline) {
				if _, err := os.Stat(cfg.SocketPath); os.IsNotExist(err) {
					fmt.Println("Daemon stopped")
					return nil
				}
				time.Sleep(50 * time.Millisecond)
			}
			return fmt.Errorf("daemon (pid %d) did not stop within the grace period", pid)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			c := client.New(cfg.SocketPath, cfg.ClientTimeout)
			resp, err := c.Call(cmd.Context(), "daemon", "status", nil)
			if err != nil {
				fmt.Println("Daemon not running")
				return nil
			}
			if !resp.OK {
				return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return printJSON(resp.Result)
		},
	}
}

func callCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call SERVICE METHOD [PARAMS-JSON]",
		Short: "Invoke one daemon method and print the result",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			params := map[string]any{}
			if len(args) == 3 {
				if err := json.Unmarshal([]byte(args[2]), &params); err != nil {
					return fmt.Errorf("params must be a JSON object: %w", err)
				}
			}

			if timeout <= 0 {
				timeout = cfg.ClientTimeout
			}
			c := client.New(cfg.SocketPath, timeout)
			resp, err := c.Call(cmd.Context(), args[0], args[1], params)
			if err != nil {
				return err
			}
			if !resp.OK {
				fmt.Fprintf(os.Stderr, "%s: %s\n", resp.Error.Code, resp.Error.Message)
				os.Exit(1)
			}
			return printJSON(resp.Result)
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Request timeout (default from config)")
	return cmd
}

func printJSON(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
