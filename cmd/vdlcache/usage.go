package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newUsageCmd(flags *globalFlags) *cobra.Command {
	var store string

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show token usage by store and model",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()
			tr, err := a.tracker(cmd.Context())
			if err != nil {
				return err
			}
			sums, err := tr.Summary(cmd.Context(), store)
			if err != nil {
				return err
			}
			if len(sums) == 0 {
				fmt.Println("No usage recorded.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STORE\tMODEL\tREQUESTS\tPROMPT\tCOMPLETION\tTOTAL")
			for _, s := range sums {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n",
					s.Store, s.Model, s.RequestCount, s.TotalPrompt, s.TotalCompletion, s.TotalTokens)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&store, "store", "", "only show this store")
	return cmd
}
