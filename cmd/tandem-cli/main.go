// Tandem CLI — инструмент командной строки для запуска workflow
// через HTTP API.
//
// Использование:
//
//	tandem [--api-url URL] [--json] <command> [flags]
//
// Команды:
//
//	invoke    Один вызов агента (стадия initial)
//	run       Управление runs
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	_ "github.com/viant/afsc/gs"
	_ "github.com/viant/afsc/s3"

	"github.com/shaiso/tandem/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool
	var timeout time.Duration

	rootCmd := &cobra.Command{
		Use:           "tandem",
		Short:         "Tandem CLI — two-stage agent workflow",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := "http://localhost:8080"
	if v := os.Getenv("TANDEM_API_URL"); v != "" {
		defaultURL = v
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", cli.DefaultTimeout, "HTTP request timeout")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL, timeout) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewInvokeCmd(clientFn, outputFn),
		cli.NewRunCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
