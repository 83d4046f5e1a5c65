package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kbukum/flowgraph/config"
	"github.com/kbukum/flowgraph/engine"
	"github.com/kbukum/flowgraph/executor"
	"github.com/kbukum/flowgraph/logger"
	"github.com/kbukum/flowgraph/progress"
	"github.com/kbukum/flowgraph/triage"
)

const shutdownTimeout = 15 * time.Second

// runOptions are the flags shared by run and resume.
type runOptions struct {
	checkpointDB       string
	executionID        string
	concurrency        int
	checkpointInterval int
	maxAttempts        int
	taskTimeout        time.Duration
	progressEvery      time.Duration
}

func (o *runOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.checkpointDB, "checkpoint-db", "", "sqlite file for checkpoints and the commit log; required to resume later")
	f.StringVar(&o.executionID, "execution", "", "execution id (generated when empty)")
	f.IntVar(&o.concurrency, "concurrency", 0, "maximum tasks running at once")
	f.IntVar(&o.checkpointInterval, "checkpoint-interval", 0, "checkpoint every N resolved tasks")
	f.IntVar(&o.maxAttempts, "max-attempts", 0, "attempts per task before it fails")
	f.DurationVar(&o.taskTimeout, "task-timeout", 0, "default per-task deadline")
	f.DurationVar(&o.progressEvery, "progress", 2*time.Second, "progress report interval, 0 disables")
}

func (o *runOptions) apply(cfg *config.EngineConfig) {
	if o.checkpointDB != "" {
		cfg.Checkpoint.Backend = config.BackendDatabase
		cfg.Database.Enabled = true
		cfg.Database.DSN = o.checkpointDB
		if cfg.Database.LogLevel == "" {
			cfg.Database.LogLevel = "silent"
		}
	}
	if o.concurrency > 0 {
		cfg.Executor.MaxConcurrency = o.concurrency
	}
	if o.checkpointInterval > 0 {
		cfg.Executor.CheckpointInterval = o.checkpointInterval
	}
	if o.maxAttempts > 0 {
		cfg.Executor.Retry.MaxAttempts = o.maxAttempts
	}
	if o.taskTimeout > 0 {
		cfg.Executor.TaskTimeout = o.taskTimeout
	}
}

func newRunCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Execute a DAG with the built-in handlers (noop, sleep, fail, exec)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, g, o, args[0], false)
		},
	}
	o.bind(cmd)
	return cmd
}

func newResumeCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "resume FILE",
		Short: "Continue an interrupted execution from its latest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, g, o, args[0], true)
		},
	}
	o.bind(cmd)
	_ = cmd.MarkFlagRequired("execution")
	return cmd
}

func execute(cmd *cobra.Command, g *globalOptions, o *runOptions, path string, resume bool) error {
	d, err := loadDAG(path)
	if err != nil {
		return err
	}
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	o.apply(cfg)
	log := g.logger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []engine.Option
	if o.executionID != "" && !resume {
		id := o.executionID
		opts = append(opts, engine.WithIDGenerator(func() string { return id }))
	}
	eng, err := engine.NewFromConfig(context.WithoutCancel(ctx), cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := eng.Shutdown(sctx); serr != nil {
			log.Warn("Shutdown incomplete", logger.ErrorFields("engine.shutdown", serr))
		}
	}()
	registerBuiltins(eng.Registry())

	if _, err := eng.SubmitDAG(d); err != nil {
		return err
	}
	id := o.executionID
	if resume {
		err = eng.ResumeFromCheckpoint(ctx, d.ID, id, nil)
	} else {
		id, err = eng.StartExecution(ctx, d.ID, nil)
	}
	if err != nil {
		return err
	}
	log.Info("Execution started", logger.Fields(
		logger.FieldExecutionID, id,
		logger.FieldDAGID, d.ID,
		"resume", resume,
	))

	out := cmd.OutOrStdout()
	status, runErr := watch(ctx, out, eng, id, o.progressEvery, !g.jsonOutput)
	statusReport, _ := eng.GetExecutionStatus(id)
	errReport, _ := eng.GetErrorReport(id)
	if g.jsonOutput {
		if err := json.NewEncoder(out).Encode(map[string]any{
			"execution": statusReport,
			"errors":    errReport,
		}); err != nil {
			return err
		}
	} else {
		printSummary(out, statusReport, errReport)
	}

	if runErr != nil {
		return runErr
	}
	if status != executor.StatusCompleted {
		return fmt.Errorf("execution %s finished %s", id, status)
	}
	return nil
}

// watch waits for the execution, printing progress every interval. The
// first interrupt cancels the execution; running tasks still finish.
func watch(ctx context.Context, out io.Writer, eng *engine.Engine, id string, every time.Duration, verbose bool) (executor.Status, error) {
	type result struct {
		status executor.Status
		err    error
	}
	done := make(chan result, 1)
	go func() {
		st, err := eng.Wait(context.Background(), id)
		done <- result{st, err}
	}()

	var tick <-chan time.Time
	if every > 0 && verbose {
		t := time.NewTicker(every)
		defer t.Stop()
		tick = t.C
	}
	interrupted := ctx.Done()
	for {
		select {
		case r := <-done:
			return r.status, r.err
		case <-tick:
			if st, err := eng.GetExecutionStatus(id); err == nil {
				printProgress(out, st.Progress)
			}
		case <-interrupted:
			interrupted = nil
			if verbose {
				fmt.Fprintln(out, "interrupt received, cancelling after running tasks finish")
			}
			_ = eng.Cancel(id)
		}
	}
}

func printProgress(out io.Writer, s progress.Snapshot) {
	eta := "?"
	if s.ETAKnown() {
		eta = (time.Duration(s.ETASeconds * float64(time.Second))).Round(time.Second).String()
	}
	fmt.Fprintf(out, "[%5.1f%%] %d/%d done, %d failed, %d skipped, %.2f tasks/s, eta %s\n",
		s.Percent, s.Completed+s.Failed+s.Skipped, s.Total, s.Failed, s.Skipped, s.Velocity, eta)
}

func printSummary(out io.Writer, st executor.StatusReport, r triage.Report) {
	p := st.Progress
	fmt.Fprintf(out, "execution %s: %s (%d succeeded, %d failed, %d skipped, %d remaining)\n",
		st.ExecutionID, st.Status, p.Completed, p.Failed, p.Skipped, p.Remaining)
	if r.Empty() {
		return
	}
	fmt.Fprintf(out, "errors: %d\n", r.Total)
	codes := make([]string, 0, len(r.ByCode))
	for code := range r.ByCode {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Fprintf(out, "  %-20s %d\n", code, r.ByCode[code])
	}
	for _, item := range r.ProblematicItems {
		fmt.Fprintf(out, "  problematic: %s failed %d times\n", item.ItemID, item.Failures)
	}
	for _, rec := range r.Recommendations {
		fmt.Fprintf(out, "  recommendation [%s]: %s\n", rec.Rule, rec.Message)
	}
}
