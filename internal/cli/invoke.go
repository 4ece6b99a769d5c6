package cli

import "github.com/spf13/cobra"

// NewInvokeCmd создаёт команду invoke: один вызов стадии initial через /invoke.
func NewInvokeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var src bodySource

	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "Invoke the agent once and print its response",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			src.in = cmd.InOrStdin()
			body, err := src.read(cmd.Context())
			if err != nil {
				return err
			}

			resp, err := clientFn().Invoke(cmd.Context(), body)
			if err != nil {
				return err
			}

			outputFn().Raw(resp)
			return nil
		},
	}

	cmd.Flags().StringVar(&src.body, "body", "", "Request body as JSON")
	cmd.Flags().StringVar(&src.file, "file", "", "Read request body from file, URL or - for stdin")

	return cmd
}
