package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/edgecmd/internal/history"
	"github.com/mattjoyce/edgecmd/internal/inspect"
	"github.com/mattjoyce/edgecmd/internal/log"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently executed requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "COMPLETED\tID\tTOPIC\tSHAPE\tCOMMANDS\tFAILED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
					e.CompletedAt.Local().Format(time.DateTime), e.ID, e.Topic, e.Shape, e.Commands, e.Failed)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", history.DefaultLimit, "maximum number of entries")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print entries as JSON")
	cmd.AddCommand(newHistoryInspectCmd(opts))
	return cmd
}

func newHistoryInspectCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "inspect <id>",
		Short: "Show each command of a stored request with its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			var report string
			if jsonOut {
				report, err = inspect.BuildJSONReport(cmd.Context(), store, args[0])
			} else {
				report, err = inspect.BuildReport(cmd.Context(), store, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the report as JSON")
	return cmd
}

func openHistory(cmd *cobra.Command, opts *rootOptions) (*history.Store, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.History.Enabled {
		return nil, errors.New("history is disabled (set history.enabled: true)")
	}
	log.SetupWriter(cfg.Service.LogLevel, cfg.Service.LogFormat, cmd.ErrOrStderr())

	store, err := history.Open(cmd.Context(), cfg.History.Path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return store, nil
}
