package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage workflow runs",
	}

	cmd.AddCommand(
		newRunStartCmd(clientFn, outputFn),
		newRunShowCmd(clientFn, outputFn),
		newRunStagesCmd(clientFn, outputFn),
		newRunCancelCmd(clientFn, outputFn),
	)

	return cmd
}

func runHeaders() []string {
	return []string{"ID", "STATUS", "STAGES", "FAILED_STAGE", "CREATED"}
}

func runRow(r *RunResponse) []string {
	stages := make([]string, len(r.Stages))
	for i, s := range r.Stages {
		stages[i] = s.Stage + ":" + s.Status
	}
	failed := ""
	if r.Failure != nil {
		failed = r.Failure.Stage
	}
	return []string{r.ID, r.Status, strings.Join(stages, ","), failed, r.CreatedAt}
}

func newRunStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var src bodySource
	var wait bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a workflow run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			src.in = cmd.InOrStdin()
			body, err := src.read(cmd.Context())
			if err != nil {
				return err
			}

			if !wait {
				run, err := client.StartRun(cmd.Context(), body)
				if err != nil {
					return err
				}
				out.Success(fmt.Sprintf("Run started: %s", run.ID))
				out.Print(runHeaders(), [][]string{runRow(run)}, run)
				return nil
			}

			run, err := client.ExecuteRun(cmd.Context(), body)
			if err != nil {
				return err
			}
			if out.jsonMode {
				out.JSON(run)
				return nil
			}
			out.Success(fmt.Sprintf("Run %s: %s", run.ID, run.Status))
			out.Raw(run.Output)
			return nil
		},
	}

	cmd.Flags().StringVar(&src.body, "body", "", "Request body as JSON")
	cmd.Flags().StringVar(&src.file, "file", "", "Read request body from file, URL or - for stdin")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for both stages and print the final output")

	return cmd
}

func newRunShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show run details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out.Print(runHeaders(), [][]string{runRow(run)}, run)
			return nil
		},
	}
}

func newRunStagesCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "stages RUN_ID",
		Short: "List stage records of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			stages, err := client.ListStages(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			headers := []string{"INDEX", "NAME", "STAGE", "STATUS", "ATTEMPTS", "DURATION_MS", "ERROR"}
			rows := make([][]string, len(stages))
			for i, s := range stages {
				rows[i] = []string{
					strconv.Itoa(s.Index), s.Name, s.Stage, s.Status,
					strconv.Itoa(s.Attempts), strconv.FormatInt(s.DurationMs, 10), s.Error,
				}
			}

			out.Print(headers, rows, stages)
			return nil
		},
	}
}

func newRunCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a pending or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.CancelRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run cancelled: %s", run.ID))
			return nil
		},
	}
}
