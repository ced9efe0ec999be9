package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/go-tick/dispatch/api"
)

type targetFlags struct {
	function string
	args     string
	kwargs   string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.function, "function", "", "registered job function, e.g. builtin.log")
	cmd.Flags().StringVar(&f.args, "args", "", "positional arguments as a JSON array")
	cmd.Flags().StringVar(&f.kwargs, "kwargs", "", "keyword arguments as a JSON object")
}

func (f *targetFlags) decode() ([]any, map[string]any, error) {
	var args []any
	if f.args != "" {
		if err := json.Unmarshal([]byte(f.args), &args); err != nil {
			return nil, nil, errors.Wrap(err, "--args must be a JSON array")
		}
	}

	var kwargs map[string]any
	if f.kwargs != "" {
		if err := json.Unmarshal([]byte(f.kwargs), &kwargs); err != nil {
			return nil, nil, errors.Wrap(err, "--kwargs must be a JSON object")
		}
	}

	return args, kwargs, nil
}

func newAddCmd(opts *rootOptions) *cobra.Command {
	var (
		req         api.AddJobRequest
		target      targetFlags
		graceSecond int
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a job",
		Example: `  dispatchd add --id heartbeat --trigger interval --trigger-arg seconds=30 --function builtin.noop
  dispatchd add --id nightly --trigger cron --trigger-arg hour=2 --trigger-arg minute=30 --function builtin.log --kwargs '{"report":"daily"}'
  dispatchd add --trigger date --trigger-arg run_date=2030-01-01T00:00:00Z --function builtin.noop`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			args, kwargs, err := target.decode()
			if err != nil {
				return err
			}
			req.JobFunction = target.function
			req.Args = args
			req.Kwargs = kwargs
			if cmd.Flags().Changed("misfire-grace-time") {
				req.MisfireGraceTime = &graceSecond
			}

			return withRegistry(cmd.Context(), opts, func(registry *api.Registry) error {
				job, err := registry.AddJob(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}

	cmd.Flags().StringVar(&req.JobID, "id", "", "job id, generated when empty")
	cmd.Flags().StringVar(&req.Name, "name", "", "human readable name, defaults to the function")
	cmd.Flags().StringVar(&req.TriggerType, "trigger", "", "trigger type: cron, interval or date")
	cmd.Flags().StringToStringVar(&req.TriggerArgs, "trigger-arg", map[string]string{}, "trigger argument as key=value, repeatable")
	cmd.Flags().IntVar(&req.MaxInstances, "max-instances", 1, "maximum concurrent instances")
	cmd.Flags().BoolVar(&req.ReplaceExisting, "replace", false, "replace a job that already holds the id")
	cmd.Flags().StringVar(&req.MisfirePolicy, "misfire-policy", "coalesce", "coalesce or catch_up")
	cmd.Flags().IntVar(&graceSecond, "misfire-grace-time", 0, "skip runs later than this many seconds, must be positive")
	target.register(cmd)

	return cmd
}

func newRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id|all>",
		Short: "Remove a job, or every job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), opts, func(registry *api.Registry) error {
				removed, err := registry.RemoveJob(cmd.Context(), api.RemoveJobRequest{JobID: args[0]})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d job(s)\n", removed)
				return err
			})
		},
	}
}

func newUpdateCmd(opts *rootOptions) *cobra.Command {
	var (
		req    api.UpdateJobRequest
		target targetFlags
	)

	cmd := &cobra.Command{
		Use:     "update <job-id|all>",
		Short:   "Replace the trigger of a job, or of every job",
		Example: `  dispatchd update nightly --trigger cron --trigger-arg hour=3`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targetArgs, kwargs, err := target.decode()
			if err != nil {
				return err
			}
			req.JobID = args[0]
			req.JobFunction = target.function
			req.Args = targetArgs
			req.Kwargs = kwargs

			return withRegistry(cmd.Context(), opts, func(registry *api.Registry) error {
				ids, err := registry.UpdateJob(cmd.Context(), req)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "updated %s\n", strings.Join(ids, ", "))
				return err
			})
		},
	}

	cmd.Flags().StringVar(&req.TriggerType, "trigger", "", "trigger type: cron, interval or date")
	cmd.Flags().StringToStringVar(&req.TriggerArgs, "trigger-arg", map[string]string{}, "trigger argument as key=value, repeatable")
	target.register(cmd)

	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs by next run time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(cmd.Context(), opts, func(registry *api.Registry) error {
				jobs, err := registry.ListJobs(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), jobs)
				}
				return printJobs(cmd.OutOrStdout(), jobs)
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	return cmd
}

func newPauseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <job-id>",
		Short: "Stop scheduling a job until it is resumed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), opts, func(registry *api.Registry) error {
				job, err := registry.PauseJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Reschedule a paused job from now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), opts, func(registry *api.Registry) error {
				job, err := registry.ResumeJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var (
		req    api.ListEventsRequest
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the event log",
		Example: `  dispatchd events --job nightly
  dispatchd events --worker worker-a --type errored --type missed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(cmd.Context(), opts, func(registry *api.Registry) error {
				events, err := registry.ListEvents(cmd.Context(), req)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), events)
				}
				return printEvents(cmd.OutOrStdout(), events)
			})
		},
	}

	cmd.Flags().StringVar(&req.JobID, "job", "", "only events of this job")
	cmd.Flags().StringVar(&req.WorkerID, "worker", "", "only events recorded by this worker")
	cmd.Flags().StringSliceVar(&req.Types, "type", nil, "only these event types, repeatable")
	cmd.Flags().IntVar(&req.Limit, "limit", 100, "maximum number of events, 0 for all")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func printJobs(w io.Writer, jobs []api.JobView) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTRIGGER\tFUNCTION\tSTATE\tNEXT RUN")
	for _, job := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			job.ID, job.Name, job.Trigger, job.JobFunction, job.State, formatTime(job.NextRunTime))
	}
	return tw.Flush()
}

func printEvents(w io.Writer, events []api.EventView) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LOGGED\tEVENT\tJOB\tWORKER\tSCHEDULED\tEXCEPTION")
	for _, event := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			formatTime(&event.LoggedAt), event.Type, event.JobID, event.WorkerID,
			formatTime(event.ScheduledRunTime), event.Exception)
	}
	return tw.Flush()
}
