package main

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/solicitation-watch/internal/notify"
	"github.com/sells-group/solicitation-watch/internal/pipeline"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "migrate")
		if err != nil {
			return err
		}
		defer env.Close()
		zap.L().Info("schema is up to date", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

var classifyComment string

var classifyCmd = &cobra.Command{
	Use:   "classify <submission-id>",
	Short: "Re-run classification for a submission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "classify")
		if err != nil {
			return err
		}
		defer env.Close()

		var errs []pipeline.TaskError
		if classifyComment != "" {
			errs = env.Triggers.OnReviewerComment(ctx, args[0], classifyComment)
		} else {
			errs = env.Triggers.Reclassify(ctx, args[0])
		}
		return reportTaskErrors(cmd, "classify", errs)
	},
}

var captureCmd = &cobra.Command{
	Use:   "capture <submission-id> [url]",
	Short: "Screenshot a landing page and re-classify with it",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "capture")
		if err != nil {
			return err
		}
		defer env.Close()

		target := ""
		if len(args) == 2 {
			target = args[1]
		} else {
			sub, err := env.Store.GetSubmission(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "load submission")
			}
			target = sub.LandingURL
		}
		if target == "" {
			return eris.New("submission has no landing url; pass one explicitly")
		}
		return reportTaskErrors(cmd, "capture", env.Triggers.TriggerLandingCapture(ctx, args[0], target))
	},
}

var (
	reportTo   string
	reportCC   []string
	reportNote string
)

var reportCmd = &cobra.Command{
	Use:   "report <submission-id>",
	Short: "Send an abuse report for a submission's violations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "report")
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Reporter.Send(ctx, args[0], notify.ReportRequest{To: reportTo, CC: reportCC, Note: reportNote})
		if rep != nil {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			_ = enc.Encode(rep)
		}
		return err
	},
}

// reportTaskErrors prints task failures and turns them into one error.
func reportTaskErrors(cmd *cobra.Command, op string, errs []pipeline.TaskError) error {
	if len(errs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", op)
		return nil
	}
	for _, te := range errs {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s failed: %v\n", op, te.Task, te.Err)
	}
	return eris.Errorf("%s: %d task(s) failed", op, len(errs))
}

func init() {
	classifyCmd.Flags().StringVar(&classifyComment, "comment", "", "reviewer comment to store before re-classifying")
	reportCmd.Flags().StringVar(&reportTo, "to", "", "recipient (default from config)")
	reportCmd.Flags().StringSliceVar(&reportCC, "cc", nil, "cc recipients (default from config)")
	reportCmd.Flags().StringVar(&reportNote, "note", "", "note included in the report")

	rootCmd.AddCommand(migrateCmd, classifyCmd, captureCmd, reportCmd)
}
