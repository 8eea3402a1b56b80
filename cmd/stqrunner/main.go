package main

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bigshoulders/stq/client"
)

var rootCmd = &cobra.Command{
	Use:   "stqrunner",
	Short: "A worker that polls the task server for attempts, runs the shell commands, and reports the outcomes.",
	RunE: func(_ *cobra.Command, _ []string) error {
		serverURL := viper.GetString("server")
		if serverURL == "" {
			return errors.New("--server is required")
		}
		runnerID := viper.GetString("runner_id")
		if runnerID == "" {
			runnerID = uuid.NewString()
		}
		waitTime := time.Duration(viper.GetFloat64("wait_time") * float64(time.Second))
		risky := viper.GetBool("risky")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runner := &runner{
			client:   client.New(serverURL),
			runnerID: runnerID,
			waitTime: waitTime,
			risky:    risky,
		}
		slog.Info("started runner", "runner", runnerID, "server", serverURL,
			"wait_time", waitTime, "risky", risky)
		runner.run(ctx)
		return nil
	},
}

type runner struct {
	client   *client.Client
	runnerID string
	waitTime time.Duration
	risky    bool
}

// run polls until the context is cancelled. Every attempt is executed to
// completion and reported; an empty poll sleeps wait_time before asking
// again.
func (r *runner) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		attempt, err := r.client.GetNextAttempt(ctx, r.runnerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("failed to poll for an attempt", "error", err)
			r.sleep(ctx)
			continue
		}
		if !attempt.HasWork() {
			slog.Debug("no attempt to run", "wait_time", r.waitTime)
			r.sleep(ctx)
			continue
		}
		r.execute(ctx, attempt)
	}
}

func (r *runner) execute(ctx context.Context, attempt *client.NextAttempt) {
	slog.Info("running command", "task", attempt.TaskID, "attempt", attempt.AttemptID,
		"command", attempt.Command)

	if err := r.runCommand(ctx, attempt.Command); err != nil {
		slog.Error("command failed", "task", attempt.TaskID, "attempt", attempt.AttemptID, "error", err)
		if reportErr := r.client.ReportFailed(ctx, r.runnerID, attempt.TaskID, attempt.AttemptID, err.Error()); reportErr != nil {
			slog.Error("failed to report failed attempt", "attempt", attempt.AttemptID, "error", reportErr)
		}
		return
	}
	if err := r.client.ReportCompleted(ctx, r.runnerID, attempt.TaskID, attempt.AttemptID); err != nil {
		slog.Error("failed to report completed attempt", "attempt", attempt.AttemptID, "error", err)
	}
}

func (r *runner) runCommand(ctx context.Context, command string) error {
	var cmd *exec.Cmd
	if r.risky {
		// Hands the whole line to the shell. Pipes and expansions work,
		// and so does anything else the shell will do.
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	} else {
		argv, err := splitCommand(command)
		if err != nil {
			return err
		}
		if len(argv) == 0 {
			return errors.New("empty command")
		}
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func (r *runner) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(r.waitTime):
	}
}

func init() {
	viper.SetDefault("wait_time", 5.0)

	rootCmd.PersistentFlags().String("server", "", "url of the task server")
	rootCmd.PersistentFlags().Float64("wait_time", 5.0, "seconds to wait after an empty poll before asking again")
	rootCmd.PersistentFlags().String("runner_id", "", "this runner's identifier; should be unique across runners, randomly assigned when not set")
	rootCmd.PersistentFlags().Bool("risky", false, "run commands through the shell interpreter instead of tokenizing them; pretty risky")

	for _, flag := range []string{"server", "wait_time", "runner_id", "risky"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("stq_runner")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
