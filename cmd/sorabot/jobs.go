package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sorabot/internal/app"
	"sorabot/internal/config"
	"sorabot/internal/job"
	"sorabot/internal/storage"
	logx "sorabot/pkg/logx"
)

var (
	listUser  int64
	listLimit int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the job store",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unfinished jobs, or a user's recent jobs with --user",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Print one job as stored",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

func init() {
	jobsListCmd.Flags().Int64Var(&listUser, "user", 0, "telegram user id")
	jobsListCmd.Flags().IntVar(&listLimit, "limit", 20, "max jobs with --user")
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd)
	rootCmd.AddCommand(jobsCmd)
}

func openStore(ctx context.Context) (storage.Store, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	sc, err := app.MapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(ctx, sc, logx.NewWriter(os.Stderr, "warn"))
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	var js []*job.Job
	if listUser != 0 {
		if js, err = st.ListByUser(ctx, listUser, listLimit); err != nil {
			return err
		}
	} else {
		for j, err := range st.ListActive(ctx) {
			if err != nil {
				return err
			}
			js = append(js, j)
		}
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tSTATE\tPROGRESS\tAGE\tPROMPT")
	now := time.Now()
	for _, j := range js {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d%%\t%s\t%s\n",
			j.ShortID(), j.UserID, j.State, j.Progress, now.Sub(j.CreatedAt).Round(time.Second), clip(j.Prompt, 40))
	}
	return tw.Flush()
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	j, err := st.Get(ctx, strings.TrimSpace(args[0]))
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "id:          %s\n", j.ID)
	fmt.Fprintf(w, "user:        %d (chat %d)\n", j.UserID, j.ChatID)
	fmt.Fprintf(w, "state:       %s (rev %d)\n", j.State, j.Revision)
	fmt.Fprintf(w, "external id: %s\n", j.ExternalID)
	fmt.Fprintf(w, "params:      %+v\n", j.Params)
	fmt.Fprintf(w, "attempts:    submit=%d poll_errors=%d delivery=%d\n", j.SubmitAttempts, j.PollErrors, j.DeliveryAttempts)
	if j.FailReason != "" {
		fmt.Fprintf(w, "failed:      %s: %s\n", j.FailReason, j.ErrorDetail)
	}
	if j.ResultRef != "" {
		fmt.Fprintf(w, "result:      %s\n", j.ResultRef)
	}
	fmt.Fprintf(w, "created:     %s\n", j.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "updated:     %s\n", j.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "prompt:      %s\n", j.Prompt)
	return nil
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "…"
	}
	return s
}
