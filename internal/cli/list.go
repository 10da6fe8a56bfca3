package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/drblury/tierflow/internal/runtime/processor"
	"github.com/drblury/tierflow/transport"
)

// NewJobsCommand lists the registered domain jobs.
func NewJobsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List registered domain jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range processor.JobNames() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

// NewTransportsCommand lists the registered transports with their delivery
// guarantees.
func NewTransportsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "transports",
		Short: "List registered transports and their capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tACK\tNACK\tORDERED\tDURABLE\tGROUPS")
			for _, name := range transport.Names() {
				c := transport.GetCapabilities(name)
				fmt.Fprintf(w, "%s\t%t\t%t\t%t\t%t\t%t\n",
					name, c.SupportsAck, c.SupportsNack, c.SupportsOrdering, c.Durable, c.SupportsConsumerGroups)
			}
			return w.Flush()
		},
	}
}
