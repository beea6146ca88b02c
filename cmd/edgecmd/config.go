package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/edgecmd/internal/doctor"
	"github.com/mattjoyce/edgecmd/internal/router"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the resolved configuration",
	}
	cmd.AddCommand(newConfigCheckCmd(opts), newConfigGetCmd(opts), newConfigShowCmd(opts))
	return cmd
}

func newConfigCheckCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration against this host and print the resolved subscriptions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			result := doctor.New(cfg).Validate()
			out := cmd.OutOrStdout()

			if jsonOut {
				data, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, data)
				return checkResult(result)
			}

			fmt.Fprint(out, doctor.FormatHuman(result))
			if !result.Valid {
				return checkResult(result)
			}

			rt, err := router.New(cfg.Topics, cfg.Dispatch.Mode)
			if err != nil {
				return err
			}
			fingerprint, err := cfg.Fingerprint()
			if err != nil {
				return err
			}
			source := cfg.SourceFile
			if source == "" {
				source = "(defaults)"
			}
			fmt.Fprintf(out, "  source:      %s\n", source)
			fmt.Fprintf(out, "  fingerprint: %s\n", fingerprint)
			fmt.Fprintf(out, "  transport:   %s\n", cfg.Bus.Transport)
			fmt.Fprintf(out, "  mode:        %s\n", cfg.Dispatch.Mode)
			fmt.Fprintf(out, "  output:      %s\n", cfg.Dispatch.Output)
			fmt.Fprintf(out, "  responses:   %s (%s)\n", cfg.Topics.ResponseRoot, cfg.Topics.ResponseMode)
			fmt.Fprintln(out, "  subscriptions:")
			for _, filter := range rt.Subscriptions() {
				fmt.Fprintf(out, "    - %s\n", filter)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the check result as JSON")
	return cmd
}

func checkResult(r *doctor.Result) error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("configuration has %d error(s)", len(r.Errors))
}

func newConfigGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "get <path>",
		Short:   "Print one configuration value by dot path",
		Example: "  edgecmd config get bus.mqtt.broker",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			value, err := cfg.GetPath(args[0])
			if err != nil {
				return err
			}
			return printYAML(cmd, value)
		},
	}
}

func newConfigShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return printYAML(cmd, cfg.Redacted())
		},
	}
}

func printYAML(cmd *cobra.Command, v any) error {
	if s, ok := v.(string); ok {
		fmt.Fprintln(cmd.OutOrStdout(), s)
		return nil
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("render yaml: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), strings.TrimRight(string(data), "\n")+"\n")
	return nil
}
