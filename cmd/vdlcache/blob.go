package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/blobcache"
)

func newBlobCmd(flags *globalFlags) *cobra.Command {
	var (
		kind string
		html bool
	)

	cmd := &cobra.Command{
		Use:   "blob",
		Short: "Read and write the two-tier blob cache",
	}
	cmd.PersistentFlags().StringVar(&kind, "kind", "scrape", "cache namespace, e.g. scrape or geocode")
	cmd.PersistentFlags().BoolVar(&html, "html", false, "use html/{kind}/{id}.html keys")

	// withCache runs fn against a cache opened for the current flags.
	withCache := func(cmd *cobra.Command, fn func(c *blobcache.Cache) error) error {
		a, err := newApp(flags)
		if err != nil {
			return err
		}
		defer a.Close()
		c, err := a.blobCache(cmd.Context(), kind, html)
		if err != nil {
			return err
		}
		return fn(c)
	}

	getCmd := &cobra.Command{
		Use:   "get ID",
		Short: "Print a cached body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(c *blobcache.Cache) error {
				body, ok := c.Get(cmd.Context(), args[0])
				if !ok {
					return fmt.Errorf("%s: not cached", args[0])
				}
				_, err := io.WriteString(os.Stdout, body)
				return err
			})
		},
	}

	var (
		file  string
		force bool
	)
	putCmd := &cobra.Command{
		Use:   "put ID",
		Short: "Store a body read from --file or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readInput(file)
			if err != nil {
				return err
			}
			return withCache(cmd, func(c *blobcache.Cache) error {
				return c.Store(cmd.Context(), args[0], string(body), force)
			})
		},
	}
	putCmd.Flags().StringVarP(&file, "file", "f", "-", "input file, - for stdin")
	putCmd.Flags().BoolVar(&force, "force", false, "overwrite entries that already hold a value")

	deleteCmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Remove an entry from both tiers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(c *blobcache.Cache) error {
				return c.Delete(cmd.Context(), args[0])
			})
		},
	}

	isErrorCmd := &cobra.Command{
		Use:   "is-error ID",
		Short: "Report whether an entry is marked as an error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(c *blobcache.Cache) error {
				fmt.Println(c.IsError(cmd.Context(), args[0]))
				return nil
			})
		},
	}

	markErrorCmd := &cobra.Command{
		Use:   "mark-error ID",
		Short: "Record a failed attempt for an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(c *blobcache.Cache) error {
				return c.SaveAsError(cmd.Context(), args[0])
			})
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show entries known to the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(c *blobcache.Cache) error {
				stats := c.Stats()
				fmt.Printf("Entries: %d\nRemote:  %t\n", stats.Entries, c.RemoteEnabled())
				return nil
			})
		},
	}

	cmd.AddCommand(getCmd, putCmd, deleteCmd, isErrorCmd, markErrorCmd, statsCmd)
	return cmd
}
