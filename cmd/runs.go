package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/factorysh/maintenance/progress"
	"github.com/factorysh/maintenance/run"
	"github.com/factorysh/maintenance/scheduler"
	"github.com/factorysh/maintenance/server"
	"github.com/factorysh/maintenance/store"
)

var (
	listActive bool
	listTask   string
	listStatus []string
	listLimit  int
	inline     bool
)

func init() {
	runsCmd.Flags().BoolVar(&listActive, "active", false, "Only active runs")
	runsCmd.Flags().StringVar(&listTask, "task", "", "Only runs of this task")
	runsCmd.Flags().StringSliceVar(&listStatus, "status", nil, "Only runs with these statuses")
	runsCmd.Flags().IntVar(&listLimit, "limit", 0, "At most this many runs, oldest first")
	enqueueCmd.Flags().BoolVar(&inline, "inline", false, "Execute now, in this process")
	resumeCmd.Flags().BoolVar(&inline, "inline", false, "Execute now, in this process")
	rootCmd.AddCommand(tasksCmd, runsCmd, showCmd, enqueueCmd, pauseCmd, resumeCmd, cancelCmd)
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE: withServer(func(ctx context.Context, s *server.Server, args []string) error {
		infos, err := s.Scheduler.Tasks(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPARAMETERS\tLAST RUN\tDESCRIPTION")
		for _, info := range infos {
			last := "-"
			if info.Abstract {
				last = "abstract"
			} else if info.LastRun != nil {
				last = fmt.Sprintf("%s %s", info.LastRun.Status, info.LastRun.CreatedAt.Format("2006-01-02 15:04"))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Name, strings.Join(info.Parameters, ","), last, info.Description)
		}
		return w.Flush()
	}),
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs",
	Args:  cobra.NoArgs,
	RunE: withServer(func(ctx context.Context, s *server.Server, args []string) error {
		f := store.Filter{
			TaskName: listTask,
			Limit:    listLimit,
		}
		for _, raw := range listStatus {
			st, err := run.ParseStatus(raw)
			if err != nil {
				return err
			}
			f.Statuses = append(f.Statuses, st)
		}
		if listActive {
			f.Statuses = run.ActiveStatuses
		}
		runs, err := s.Scheduler.List(ctx, f)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTASK\tSTATUS\tPROGRESS\tCREATED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.TaskName, r.Status,
				progress.Text(r.TickCount, r.TickTotal), r.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	}),
}

var showCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a run, as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: withServer(func(ctx context.Context, s *server.Server, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return err
		}
		r, err := s.Scheduler.Find(ctx, id)
		if err != nil {
			return err
		}
		return printRun(r)
	}),
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue TASK [key=value...]",
	Short: "Enqueue a run of a task",
	Args:  cobra.MinimumNArgs(1),
	PreRun: func(cmd *cobra.Command, args []string) {
		if inline {
			cfg.Queue.Driver = "inline"
		}
	},
	RunE: withServer(func(ctx context.Context, s *server.Server, args []string) error {
		arguments, err := parseArguments(args[1:])
		if err != nil {
			return err
		}
		r, err := s.Scheduler.Enqueue(ctx, args[0], arguments, operator())
		if err != nil {
			return err
		}
		return printRun(r)
	}),
}

var pauseCmd = &cobra.Command{
	Use:   "pause ID",
	Short: "Pause a run",
	Args:  cobra.ExactArgs(1),
	RunE:  withServer(control((*scheduler.Scheduler).Pause)),
}

var resumeCmd = &cobra.Command{
	Use:   "resume ID",
	Short: "Resume a paused or interrupted run",
	Args:  cobra.ExactArgs(1),
	PreRun: func(cmd *cobra.Command, args []string) {
		if inline {
			cfg.Queue.Driver = "inline"
		}
	},
	RunE: withServer(control((*scheduler.Scheduler).Resume)),
}

var cancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(1),
	RunE:  withServer(control((*scheduler.Scheduler).Cancel)),
}

func withServer(do func(context.Context, *server.Server, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()
		return do(cmd.Context(), s, args)
	}
}

func control(action func(*scheduler.Scheduler, context.Context, uuid.UUID) (*run.Run, error)) func(context.Context, *server.Server, []string) error {
	return func(ctx context.Context, s *server.Server, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return err
		}
		r, err := action(s.Scheduler, ctx, id)
		if err != nil {
			return err
		}
		return printRun(r)
	}
}

func parseArguments(args []string) (map[string]string, error) {
	arguments := make(map[string]string, len(args))
	for _, arg := range args {
		kv := strings.SplitN(arg, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, errors.Errorf("argument %q is not key=value", arg)
		}
		arguments[kv[0]] = kv[1]
	}
	return arguments, nil
}

func operator() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func printRun(r *run.Run) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		*run.Run
		Progress progress.Progress `json:"progress"`
	}{r, progress.For(r)})
}
