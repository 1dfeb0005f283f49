/*
Copyright © 2025 Valentyn Solomko <valentyn.solomko@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/valpere/subtran/internal/batch"
	"github.com/valpere/subtran/internal/orchestrator"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Inspect and poll OpenAI batch jobs",
	Long: `Jobs are created by "subtran translate --batch" and tracked in
batch_jobs.json in the data directory. Completed results stay in the store
until a translate run consumes them.`,
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked batch jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openBatchOnly()
		if err != nil {
			return err
		}

		jobs := mgr.Jobs()
		if len(jobs) == 0 {
			fmt.Println("No batch jobs.")
			return nil
		}

		rows := make([][]string, 0, len(jobs))
		for _, j := range jobs {
			var done, failed int
			for _, r := range j.Requests {
				switch {
				case r.Result != nil:
					done++
				case r.Error != "":
					failed++
				}
			}
			rows = append(rows, []string{
				j.ID,
				string(j.Status),
				j.CreatedAt.Format("2006-01-02 15:04"),
				strconv.Itoa(len(j.Requests)),
				strconv.Itoa(done),
				strconv.Itoa(failed),
			})
		}
		fmt.Println(renderTable(
			[]string{"Job", "Status", "Created", "Requests", "Done", "Failed"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight},
		))
		return nil
	},
}

var batchPollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Query every pending batch job once",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openBatchOnly()
		if err != nil {
			return err
		}

		report, err := mgr.Poll(cmd.Context())
		fmt.Printf("Completed: %d  Dropped: %d  Pending: %d\n", report.Completed, report.Dropped, report.Pending)
		return err
	},
}

var batchWatchCmd = &cobra.Command{
	Use:   "watch [file.srt...]",
	Short: "Poll pending jobs on a schedule until none remain",
	Long: `Poll pending batch jobs on the --schedule cron spec. When files are given,
they are translated again once no job is pending, which writes the outputs
whose groups completed and submits a new job for groups that need another
attempt. The command returns when no job is pending.

Example:
  subtran batch watch -t uk --schedule "@every 5m" season1/*.srt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if _, err := cron.ParseStandard(cfg.PollSchedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", cfg.PollSchedule, err)
		}

		var tick func(context.Context) (bool, error)
		if len(args) == 0 {
			mgr, err := openBatchOnly()
			if err != nil {
				return err
			}
			tick = func(ctx context.Context) (bool, error) {
				report, err := mgr.Poll(ctx)
				if err != nil {
					logger.Warn("batch poll incomplete", zap.Error(err))
				}
				logger.Info("batch jobs polled",
					zap.Int("completed", report.Completed),
					zap.Int("dropped", report.Dropped),
					zap.Int("pending", report.Pending))
				return len(mgr.PendingJobs()) == 0, nil
			}
		} else {
			cfg.Batch = true
			if err := cfg.Validate(); err != nil {
				return err
			}
			p, err := newPipeline(cfg)
			if err != nil {
				return err
			}
			defer p.Close()
			tick = watchFiles(p, args)
		}

		return runSchedule(ctx, cfg.PollSchedule, tick)
	},
}

// watchTarget is the part of a pipeline the watch loop drives.
type watchTarget interface {
	pendingJobs() int
	poll(ctx context.Context) batch.PollReport
	run(ctx context.Context, files []string) (orchestrator.Summary, error)
}

// watchFiles polls until no job is pending, then re-runs the translation.
// The watch is over once a run submits no new job. Files that fail are
// reported and retried by the next run; only a failed submission ends the
// watch early.
func watchFiles(p watchTarget, files []string) func(context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		if p.pendingJobs() > 0 {
			if report := p.poll(ctx); report.Pending > 0 {
				return false, nil
			}
		}

		summary, err := p.run(ctx, files)
		printSummary(summary)

		var subErr *batch.JobSubmissionError
		if errors.As(err, &subErr) {
			return true, err
		}
		if summary.JobID != "" || p.pendingJobs() > 0 {
			if err != nil {
				logger.Warn("files not translated in this round", zap.Error(err))
			}
			return false, nil
		}
		return true, err
	}
}

// runSchedule runs tick immediately and then on every schedule activation
// until it reports completion, fails, or ctx is cancelled.
func runSchedule(ctx context.Context, schedule string, tick func(context.Context) (bool, error)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once   sync.Once
		result error
	)
	finish := func(err error) {
		once.Do(func() {
			result = err
			cancel()
		})
	}

	run := func() {
		done, err := tick(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil || done {
			finish(err)
		}
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(schedule, run); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	run()
	if ctx.Err() == nil {
		logger.Info("watching batch jobs", zap.String("schedule", schedule))
		c.Start()
		<-ctx.Done()
		<-c.Stop().Done()
	}

	once.Do(func() {})
	return result
}

// openBatchOnly opens the job store without the rest of the pipeline.
func openBatchOnly() (*batch.Manager, error) {
	service, err := buildService(cfg)
	if err != nil {
		return nil, err
	}
	return openBatch(cfg, service)
}

func init() {
	rootCmd.AddCommand(batchCmd)

	batchWatchCmd.Flags().String("schedule", "", `Cron spec for polling (default "@every 1m")`)
	addTranslateFlags(batchWatchCmd)

	batchCmd.AddCommand(batchListCmd)
	batchCmd.AddCommand(batchPollCmd)
	batchCmd.AddCommand(batchWatchCmd)
}
