package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/prcache"
)

func newPromptCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Manage registered prompts",
	}

	var (
		name string
		file string
	)
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register a prompt and print its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(file)
			if err != nil {
				return err
			}
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			p, err := prcache.FromText(name, string(text)).Resolve(cmd.Context(), db)
			if err != nil {
				return err
			}
			fmt.Println(p.ID)
			return nil
		},
	}
	registerCmd.Flags().StringVar(&name, "name", "", "prompt name")
	registerCmd.Flags().StringVarP(&file, "file", "f", "-", "prompt text file, - for stdin")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered prompts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			prompts, err := db.ListPrompts(cmd.Context())
			if err != nil {
				return err
			}
			if len(prompts) == 0 {
				fmt.Println("No prompts registered.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCREATED")
			for _, p := range prompts {
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Name, p.CreatedAt.Format("2006-01-02T15:04:05"))
			}
			return w.Flush()
		},
	}

	showCmd := &cobra.Command{
		Use:   "show ID",
		Short: "Print a prompt's text and response counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			p, err := prcache.FromID(args[0]).Resolve(cmd.Context(), db)
			if err != nil {
				return err
			}
			rows, err := db.ListResponses(cmd.Context(), p.ID)
			if err != nil {
				return err
			}
			failed := 0
			for _, r := range rows {
				if r.NumErrors > 0 {
					failed++
				}
			}
			fmt.Printf("ID:        %s\nName:      %s\nResponses: %d (%d failed)\n\n%s\n", p.ID, p.Name, len(rows), failed, p.Text)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a prompt and all of its responses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			n, err := db.DeletePrompt(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Deleted prompt %s and %d responses.\n", args[0], n)
			return nil
		},
	}

	pruneCmd := &cobra.Command{
		Use:   "prune ID",
		Short: "Delete responses superseded by a newer input text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := prcache.FromID(args[0]).Resolve(cmd.Context(), db); err != nil {
				if errors.Is(err, prcache.ErrPromptNotFound) {
					return fmt.Errorf("unknown prompt %s", args[0])
				}
				return err
			}
			n, err := db.PruneSuperseded(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d responses.\n", n)
			return nil
		},
	}

	cmd.AddCommand(registerCmd, listCmd, showCmd, deleteCmd, pruneCmd)
	return cmd
}
