// Command mfsmaster is the metadata server: it accepts chunk-server and
// metalogger connections and keeps the changelog (spec §1, §6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mfscore/mfsmaster/internal/bgsaver"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "__bgsaver" {
		runBgSaverChild()
		return
	}
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runBgSaverChild is the re-exec'd background-saver body (spec §4.7): it
// never touches cobra, never parses the master's own flags, and exits
// non-zero only when the pipes or lock themselves are unusable.
func runBgSaverChild() {
	dataPath := os.Getenv("MFSMASTER_DATA_PATH")
	if dataPath == "" {
		dataPath = "."
	}
	backLogs, err := strconv.Atoi(os.Getenv("MFSMASTER_BACK_LOGS"))
	if err != nil || backLogs <= 0 {
		backLogs = 50
	}

	appender, err := newFileAppender(dataPath, backLogs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	dataR := os.NewFile(uintptr(bgsaver.DataFD), "bgsaver-data")
	statusW := os.NewFile(uintptr(bgsaver.StatusFD), "bgsaver-status")
	lockPath := filepath.Join(dataPath, ".bgwriter.lock")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := bgsaver.Child(ctx, dataR, statusW, lockPath, appender); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	flagVerbose    bool
	flagForeground bool
	flagNoClose    bool
	flagSingleUser bool
	flagTimeoutSec int
	flagConfig     string
)

// newRootCmd wires spec §6's persistent flags and lifecycle subcommands
// onto a cobra command tree the way mfschunkdbdump keeps its own CLI thin.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mfsmaster",
		Short:         "MooseFS-style metadata server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log at debug level")
	root.PersistentFlags().BoolVarP(&flagForeground, "foreground", "f", false, "run in the foreground, skip daemonizing")
	root.PersistentFlags().BoolVarP(&flagNoClose, "no-close-fds", "u", false, "don't close inherited descriptors")
	root.PersistentFlags().BoolVarP(&flagSingleUser, "single-threaded", "n", false, "run without a separate bg-saver child")
	root.PersistentFlags().IntVarP(&flagTimeoutSec, "timeout", "t", 0, "timeout in seconds for the stop/kill wait")
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "/etc/mfs/mfsmaster.cfg", "config file path")

	root.AddCommand(
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newTryRestartCmd(),
		newReloadCmd(),
		newInfoCmd(),
		newTestCmd(),
		newStatusCmd(),
		newKillCmd(),
		newRestoreCmd(),
	)
	return root
}

func pidPath() string {
	return filepath.Join(filepath.Dir(flagConfig), "mfsmaster.pid")
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "start the master",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagVerbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			if pid, running := isRunning(pidPath()); running {
				return fmt.Errorf("mfsmaster: already running as pid %d", pid)
			}

			lock, err := acquirePIDLock(pidPath())
			if err != nil {
				return err
			}
			defer lock.Close()

			d, err := newDaemon(flagConfig)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			go watchInfoSignal(d)

			return d.run(ctx)
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "stop a running master",
		RunE: func(cmd *cobra.Command, args []string) error {
			return signalRunning(syscall.SIGTERM, "stopped")
		},
	}
}

func newKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "forcibly kill a running master",
		RunE: func(cmd *cobra.Command, args []string) error {
			return signalRunning(syscall.SIGKILL, "killed")
		},
	}
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "ask a running master to reload its config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return signalRunning(syscall.SIGHUP, "reloaded")
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "ask a running master to dump its status to the log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return signalRunning(syscall.SIGUSR1, "info requested")
		},
	}
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "stop then start the master",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, running := isRunning(pidPath()); running {
				if err := signalRunning(syscall.SIGTERM, "stopped"); err != nil {
					return err
				}
			}
			return newStartCmd().RunE(cmd, args)
		},
	}
}

func newTryRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "try-restart",
		Short: "restart only if the master is already running",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, running := isRunning(pidPath()); !running {
				return nil
			}
			return newRestartCmd().RunE(cmd, args)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "report whether the master is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, running := isRunning(pidPath())
			if !running {
				fmt.Println("mfsmaster: not running")
				os.Exit(1)
			}
			fmt.Printf("mfsmaster: running, pid %d\n", pid)
			return nil
		},
	}
}

func newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "load the config and exit without binding any listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDaemon(flagConfig)
			if err != nil {
				return err
			}
			d.shutdown()
			fmt.Println("mfsmaster: config ok")
			return nil
		},
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <changelog-dir>",
		Short: "replay changelogs from a previous run without starting listeners",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDaemon(flagConfig)
			if err != nil {
				return err
			}
			defer d.shutdown()
			return d.replayChangelogs(args[0])
		},
	}
}

func signalRunning(sig syscall.Signal, verb string) error {
	pid, running := isRunning(pidPath())
	if !running {
		return fmt.Errorf("mfsmaster: not running")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("mfsmaster: signal pid %d: %w", pid, err)
	}

	if (sig == syscall.SIGTERM || sig == syscall.SIGKILL) && flagTimeoutSec > 0 {
		deadline := time.Now().Add(time.Duration(flagTimeoutSec) * time.Second)
		for time.Now().Before(deadline) {
			if _, stillRunning := isRunning(pidPath()); !stillRunning {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
	}

	fmt.Printf("mfsmaster: %s\n", verb)
	return nil
}

// watchInfoSignal logs the diagnostic info dump on SIGUSR1: eventloop.Run
// already handles SIGHUP (reload) and SIGTERM/SIGINT (shutdown) itself, but
// leaves info dumps to the caller since not every embedder of the loop
// wants it wired to a signal at all.
func watchInfoSignal(d *daemon) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	for range ch {
		logrus.Info(d.loop.Info())
	}
}
