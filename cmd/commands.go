package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"wcfbridge/pkg/dispatch"

	"github.com/spf13/cobra"
)

var commandsJSON bool

// commandsCmd lists the command kinds the dispatcher accepts.
var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List the supported SDK commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args
		return writeCommands(cmd.OutOrStdout(), dispatch.Kinds(), commandsJSON)
	},
}

func init() {
	rootCmd.AddCommand(commandsCmd)
	commandsCmd.Flags().BoolVar(&commandsJSON, "json", false, "print the registry as JSON, including sample payloads")
}

func writeCommands(out io.Writer, specs []dispatch.Spec, asJSON bool) error {
	if asJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(specs)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tFUNC\tDESCRIPTION")
	for _, spec := range specs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", spec.Kind, spec.FuncName, spec.Description)
	}
	return tw.Flush()
}
