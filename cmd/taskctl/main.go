package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/darkhaniop/simple-task-api-htc/pkg/taskapi"
)

const usageText = `usage: taskctl <command> [flags] [args]

commands:
  status                       task counts per state
  list [--state CLASS] [--limit N]  list tasks (all|queued|submitted|completed)
  get TASK_ID                  show one task
  create [--id ID] [--retries N] [--param key=value ...]
  requeue TASK_ID [--retries N]
  delete TASK_ID
  log TASK_ID                  task transition log
  cluster CLUSTER_ID           show a cluster and its task
  events CLUSTER_ID            list the job events of a cluster
  post-event --cluster ID --proc N --type TYPE [--exit-code N]

common flags:
  --url     server URL (STAPI_URL, default http://localhost:8080)
  --token   bearer token (STAPI_TOKEN)
  --output  auto|table|json (auto prints tables on a terminal)
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprint(os.Stderr, usageText)
		}
		fmt.Fprintf(os.Stderr, "taskctl: %v\n", err)
		os.Exit(1)
	}
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

type commonFlags struct {
	url     *string
	token   *string
	output  *string
	timeout *time.Duration
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		url:     fs.String("url", envOr("STAPI_URL", "http://localhost:8080"), "server URL"),
		token:   fs.String("token", os.Getenv("STAPI_TOKEN"), "bearer token"),
		output:  fs.String("output", "auto", "auto|table|json"),
		timeout: fs.Duration("timeout", 30*time.Second, "request timeout"),
	}
}

func (c commonFlags) client() *apiClient {
	return newAPIClient(*c.url, *c.token, *c.timeout)
}

func (c commonFlags) printer(w io.Writer) printer {
	mode := strings.ToLower(strings.TrimSpace(*c.output))
	if mode == "auto" {
		mode = "json"
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			mode = "table"
		}
	}
	return printer{out: w, table: mode == "table", now: time.Now}
}

func run(args []string, stdout io.Writer) error {
	if len(args) < 1 {
		return usageError{"missing command"}
	}
	cmd, rest := args[0], args[1:]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	common := addCommonFlags(fs)
	ctx := context.Background()

	switch cmd {
	case "status":
		if err := fs.Parse(rest); err != nil {
			return usageError{err.Error()}
		}
		st, err := common.client().Status(ctx)
		if err != nil {
			return err
		}
		return common.printer(stdout).status(st)
	case "list":
		class := fs.String("state", "", "task class")
		limit := fs.Int("limit", 0, "show at most N tasks (0 for all)")
		if err := fs.Parse(rest); err != nil {
			return usageError{err.Error()}
		}
		tasks, err := common.client().ListTasks(ctx, *class, *limit)
		if err != nil {
			return err
		}
		return common.printer(stdout).tasks(tasks)
	case "get":
		id, err := parseWithArg(fs, rest, "TASK_ID")
		if err != nil {
			return err
		}
		task, err := common.client().GetTask(ctx, id)
		if err != nil {
			return err
		}
		return common.printer(stdout).tasks([]taskapi.Task{task})
	case "create":
		id := fs.String("id", "", "task id (random when empty)")
		retries := fs.Int("retries", -1, "retries (server default when negative)")
		params := paramFlag{}
		fs.Var(&params, "param", "submission parameter key=value, repeatable")
		if err := fs.Parse(rest); err != nil {
			return usageError{err.Error()}
		}
		req := taskapi.CreateTaskRequest{ID: *id, SubParams: params}
		if *retries >= 0 {
			req.RetriesLeft = retries
		}
		task, err := common.client().CreateTask(ctx, req)
		if err != nil {
			return err
		}
		return common.printer(stdout).tasks([]taskapi.Task{task})
	case "requeue":
		retries := fs.Int("retries", 1, "retries left after requeue")
		id, err := parseWithArg(fs, rest, "TASK_ID")
		if err != nil {
			return err
		}
		queued := 0
		task, err := common.client().UpdateTask(ctx, id, taskapi.UpdateTaskRequest{
			State:               &queued,
			RetriesLeft:         retries,
			ResetClusterID:      true,
			ResetProcID:         true,
			ResetExpirationDate: true,
		})
		if err != nil {
			return err
		}
		return common.printer(stdout).tasks([]taskapi.Task{task})
	case "delete":
		id, err := parseWithArg(fs, rest, "TASK_ID")
		if err != nil {
			return err
		}
		if err := common.client().DeleteTask(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "deleted %s\n", id)
		return nil
	case "log":
		id, err := parseWithArg(fs, rest, "TASK_ID")
		if err != nil {
			return err
		}
		entries, err := common.client().TaskLog(ctx, id)
		if err != nil {
			return err
		}
		return common.printer(stdout).logEntries(entries)
	case "cluster", "events":
		raw, err := parseWithArg(fs, rest, "CLUSTER_ID")
		if err != nil {
			return err
		}
		clusterID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return usageError{fmt.Sprintf("invalid cluster id %q", raw)}
		}
		if cmd == "events" {
			events, err := common.client().ClusterEvents(ctx, clusterID)
			if err != nil {
				return err
			}
			return common.printer(stdout).events(events)
		}
		c, err := common.client().GetCluster(ctx, clusterID)
		if err != nil {
			return err
		}
		return common.printer(stdout).cluster(c)
	case "post-event":
		clusterID := fs.Int64("cluster", -1, "cluster id")
		procID := fs.Int("proc", 0, "proc id")
		eventType := fs.String("type", "", "event type, e.g. submit, execute, terminated")
		exitCode := fs.Int("exit-code", 0, "return value for terminated events")
		abnormal := fs.Bool("abnormal", false, "mark a terminated event as abnormal")
		if err := fs.Parse(rest); err != nil {
			return usageError{err.Error()}
		}
		if *clusterID < 0 || strings.TrimSpace(*eventType) == "" {
			return usageError{"--cluster and --type are required"}
		}
		req := taskapi.PostJobEventRequest{
			ClusterID: *clusterID,
			ProcID:    *procID,
			Timestamp: float64(time.Now().UnixNano()) / 1e9,
			EventType: *eventType,
			Details:   map[string]any{},
		}
		if strings.Contains(strings.ToLower(*eventType), "terminated") {
			req.Details["TerminatedNormally"] = !*abnormal
			req.Details["ReturnValue"] = *exitCode
		}
		ev, err := common.client().PostJobEvent(ctx, req)
		if err != nil {
			return err
		}
		return common.printer(stdout).events([]taskapi.JobEvent{ev})
	case "help", "-h", "--help":
		_, err := io.WriteString(stdout, usageText)
		return err
	default:
		return usageError{fmt.Sprintf("unknown command %q", cmd)}
	}
}

// parseWithArg parses flags and returns the single positional argument.
// Flags may come before or after it.
func parseWithArg(fs *flag.FlagSet, args []string, name string) (string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return "", usageError{err.Error()}
		}
		if fs.NArg() == 0 {
			break
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
	if len(positional) != 1 {
		return "", usageError{fmt.Sprintf("expected exactly one %s", name)}
	}
	return positional[0], nil
}

type paramFlag map[string]string

func (p paramFlag) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k+"="+p[k])
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (p paramFlag) Set(raw string) error {
	k, v, ok := strings.Cut(raw, "=")
	k = strings.TrimSpace(k)
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", raw)
	}
	p[k] = v
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

type printer struct {
	out   io.Writer
	table bool
	now   func() time.Time
}

func (p printer) json(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p printer) status(st taskapi.ServerStatus) error {
	if !p.table {
		return p.json(st)
	}
	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUED\tSUBMITTED\tCOMPLETED\tCOMPLETED_WITH_ERROR\tTIMED_OUT")
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
		humanize.Comma(int64(st.NTasksQueued)),
		humanize.Comma(int64(st.NTasksSubmitted)),
		humanize.Comma(int64(st.NTasksCompleted)),
		humanize.Comma(int64(st.NTasksCompletedWithError)),
		humanize.Comma(int64(st.NTasksTimedOut)))
	return tw.Flush()
}

func (p printer) tasks(tasks []taskapi.Task) error {
	if !p.table {
		return p.json(tasks)
	}
	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tRETRIES\tCLUSTER\tCHANGED\tEXPIRES")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			t.ID, t.StateName, t.RetriesLeft, optInt(t.ClusterID), p.age(t.StateDate), p.optAge(t.ExpirationDate))
	}
	return tw.Flush()
}

func (p printer) logEntries(entries []taskapi.LogEntry) error {
	if !p.table {
		return p.json(entries)
	}
	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tACTION\tFROM\tTO\tCLUSTER\tMESSAGE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			p.age(e.CreationDate), e.Action, e.FromState, e.ToState, optInt(e.ClusterID), e.Message)
	}
	return tw.Flush()
}

func (p printer) cluster(c taskapi.ClusterWithTask) error {
	if !p.table {
		return p.json(c)
	}
	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "CLUSTER\t%d\n", c.Cluster.ID)
	fmt.Fprintf(tw, "TASK\t%s\n", c.Cluster.TaskID)
	fmt.Fprintf(tw, "STATE\t%s\n", c.Cluster.Status.ClusterStateName)
	fmt.Fprintf(tw, "CREATED\t%s\n", p.age(c.Cluster.CreationDate))
	fmt.Fprintf(tw, "PROCS\t%d (first %d)\n", c.Cluster.NumProcs, c.Cluster.FirstProc)
	if c.Task != nil {
		fmt.Fprintf(tw, "TASK STATE\t%s\n", c.Task.StateName)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "PROC\tSTATE\tEXIT")
	for _, ps := range c.Cluster.Status.Procs {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", ps.Index, ps.StateName, optInt(ps.ExitCode))
	}
	return tw.Flush()
}

func (p printer) events(events []taskapi.JobEvent) error {
	if !p.table {
		return p.json(events)
	}
	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROC\tTYPE\tWHEN")
	for _, e := range events {
		sec := int64(e.Timestamp)
		when := time.Unix(sec, int64((e.Timestamp-float64(sec))*1e9))
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", e.ID, e.ProcID, e.EventType, p.age(when))
	}
	return tw.Flush()
}

func (p printer) age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, p.now(), "ago", "from now")
}

func (p printer) optAge(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return p.age(*t)
}

func optInt(v *int64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatInt(*v, 10)
}
