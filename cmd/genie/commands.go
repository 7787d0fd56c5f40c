package main

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/genie/internal/api"
	"github.com/kalambet/genie/internal/config"
	"github.com/kalambet/genie/internal/events"
	"github.com/kalambet/genie/internal/jobs"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <text>",
	Short: "Submit a request and print its answer",
	Long: `Submit a request to the running server.

By default the command waits up to --wait for the job to finish. A job
that is still running after that is printed with its id so it can be
followed with "genie job show".

Examples:
  genie submit "what is the square root of 144"
  genie submit --wait 0 --client-id kitchen "what's 7 times 6"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")
		clientID, _ := cmd.Flags().GetString("client-id")
		last, _ := cmd.Flags().GetString("last-question")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		v, err := submitJob(cmd, client, api.SubmitRequest{
			Text:         strings.Join(args, " "),
			ClientID:     clientID,
			LastQuestion: last,
		}, wait)
		if err != nil {
			return err
		}
		return showJob(cmd.OutOrStdout(), v)
	},
}

func submitJob(cmd *cobra.Command, client *apiClient, req api.SubmitRequest, wait time.Duration) (jobs.View, error) {
	path := "/v1/jobs"
	if wait > 0 {
		path += "?wait=" + url.QueryEscape(wait.String())
	}
	resp, err := client.post(cmd.Context(), path, req)
	if err != nil {
		return jobs.View{}, err
	}
	var v jobs.View
	if err := decodeJSON(resp, &v); err != nil {
		return jobs.View{}, err
	}
	return v, nil
}

func init() {
	submitCmd.Flags().Duration("wait", 30*time.Second, "how long to wait for the answer (0 returns immediately)")
	submitCmd.Flags().String("client-id", "cli", "client id reported in events")
	submitCmd.Flags().String("last-question", "", "previous question, for follow-ups")
}

// --- job ---

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect or cancel a single job",
}

var jobShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/v1/jobs/" + url.PathEscape(args[0])
		if wait > 0 {
			path += "?wait=" + url.QueryEscape(wait.String())
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var v jobs.View
		if err := decodeJSON(resp, &v); err != nil {
			return err
		}
		return showJob(cmd.OutOrStdout(), v)
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var out map[string]string
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Job %s cancelled", args[0])
		return nil
	},
}

var jobEventsCmd = &cobra.Command{
	Use:   "events <id>",
	Short: "Show the lifecycle events of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/jobs/"+url.PathEscape(args[0])+"/events")
		if err != nil {
			return err
		}
		var evs []events.Event
		if err := decodeJSON(resp, &evs); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if ok, err := render(w, evs); ok {
			return err
		}
		for _, e := range evs {
			from := e.From
			if from == "" {
				from = "-"
			}
			fmt.Fprintf(w, "%3d  %s  %s -> %s\n", e.Seq, e.At.Format(time.RFC3339), from, colorize(stateColor(jobs.State(e.To)), e.To))
		}
		return nil
	},
}

func init() {
	jobShowCmd.Flags().Duration("wait", 0, "wait up to this long for the job to finish")
	jobCmd.AddCommand(jobShowCmd, jobCancelCmd, jobEventsCmd)
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		if state != "" {
			q.Set("state", state)
		}
		resp, err := client.get(cmd.Context(), "/v1/jobs?"+q.Encode())
		if err != nil {
			return err
		}
		var list []jobs.View
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if ok, err := render(w, list); ok {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(w, "No jobs found.")
			return nil
		}
		for _, v := range list {
			fmt.Fprintf(w, "%s  %-7s  %s  %s\n",
				colorize(colorCyan, shortID(v.ID)),
				colorize(stateColor(v.State), string(v.State)),
				v.CreatedAt.Format(time.RFC3339),
				truncate(v.Request, 60),
			)
		}
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("state", "", "only jobs in this state (queued, running, done, dead)")
	jobsListCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	jobsCmd.AddCommand(jobsListCmd)
}

// --- snapshots ---

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect the answer cache",
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached answers, most used first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/v1/snapshots?limit=%d", limit))
		if err != nil {
			return err
		}
		var snaps []api.SnapshotView
		if err := decodeJSON(resp, &snaps); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if ok, err := render(w, snaps); ok {
			return err
		}
		if len(snaps) == 0 {
			fmt.Fprintln(w, "No snapshots found.")
			return nil
		}
		for _, s := range snaps {
			answer := ""
			if s.Result != nil {
				answer = s.Result.Answer
			}
			fmt.Fprintf(w, "%s  runs=%-3d %s  => %s\n",
				colorize(colorCyan, shortID(s.ID)),
				s.RunCount,
				truncate(s.QuestionVerbatim, 50),
				truncate(answer, 40),
			)
		}
		return nil
	},
}

var snapshotsSearchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Show which snapshot a request would resolve to",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{"q": {strings.Join(args, " ")}}
		resp, err := client.get(cmd.Context(), "/v1/snapshots/search?"+q.Encode())
		if err != nil {
			return err
		}
		var res api.SearchResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if ok, err := render(w, res); ok {
			return err
		}
		if res.Match == nil {
			fmt.Fprintln(w, "No matching snapshot.")
			return nil
		}
		label := string(res.Tier)
		if res.BelowThreshold {
			label += ", below threshold"
		}
		fmt.Fprintf(w, "%s  (%s, score %.3f)\n", colorize(colorCyan, res.Match.ID), label, res.Score)
		fmt.Fprintf(w, "  question: %s\n", res.Match.QuestionVerbatim)
		if res.Match.Result != nil {
			fmt.Fprintf(w, "  answer:   %s\n", res.Match.Result.Answer)
		}
		return nil
	},
}

var snapshotsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Invalidate a cached answer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/snapshots/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var out map[string]string
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Snapshot %s deleted", args[0])
		return nil
	},
}

func init() {
	snapshotsListCmd.Flags().Int("limit", 20, "maximum number of snapshots to list")
	snapshotsCmd.AddCommand(snapshotsListCmd, snapshotsSearchCmd, snapshotsDeleteCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		w := cmd.OutOrStdout()
		if ok, err := render(w, keys); ok {
			return err
		}
		for _, k := range keys {
			fmt.Fprintf(w, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}

// showJob prints a job in the selected output format.
func showJob(w io.Writer, v jobs.View) error {
	if ok, err := render(w, v); ok {
		return err
	}
	fmt.Fprintf(w, "%s  %s\n", colorize(colorCyan, v.ID), colorize(stateColor(v.State), string(v.State)))
	fmt.Fprintf(w, "  request: %s\n", v.Request)
	if v.AgentKind != "" {
		fmt.Fprintf(w, "  agent:   %s\n", v.AgentKind)
	}
	if v.Tier != "" {
		fmt.Fprintf(w, "  cache:   %s hit (score %.3f)\n", v.Tier, v.Score)
	}
	if v.Result != nil {
		fmt.Fprintf(w, "  answer:  %s\n", colorize(colorBold, v.Result.Answer))
	}
	if v.Error != nil {
		fmt.Fprintf(w, "  error:   %s: %s\n", colorize(colorRed, v.Error.Kind), v.Error.Message)
	}
	if !v.State.Terminal() {
		fmt.Fprintf(w, "  still %s; follow with: genie job show --wait 30s %s\n", v.State, v.ID)
	}
	return nil
}

func stateColor(s jobs.State) string {
	switch s {
	case jobs.StateDone:
		return colorGreen
	case jobs.StateDead:
		return colorRed
	default:
		return colorYellow
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
