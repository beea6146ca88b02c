package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/edgecmd/internal/dispatch"
	"github.com/mattjoyce/edgecmd/internal/log"
	"github.com/mattjoyce/edgecmd/internal/protocol"
	"github.com/mattjoyce/edgecmd/internal/router"
)

type runOptions struct {
	payload string
	file    string
	pretty  bool
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	runOpts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one request payload locally and print the response envelope",
		Long: `Run decodes a request payload exactly as the daemon would, executes its
commands on this host and prints the envelope that would be published.
The payload comes from --payload, --file or standard input.`,
		Example: `  edgecmd run --payload '{"command":"uptime"}'
  echo '[{"command":"hostname"},{"command":"df -h /"}]' | edgecmd run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log.SetupWriter(cfg.Service.LogLevel, cfg.Service.LogFormat, cmd.ErrOrStderr())

			payload, err := readPayload(runOpts, cmd.InOrStdin())
			if err != nil {
				return err
			}

			rt, err := router.New(cfg.Topics, cfg.Dispatch.Mode)
			if err != nil {
				return err
			}
			disp := dispatch.New(cfg.Dispatch, cfg.SSH, rt, nil)

			res, err := disp.Process(cmd.Context(), payload)
			if err != nil {
				return fmt.Errorf("invalid request: %w", err)
			}

			var out []byte
			if runOpts.pretty {
				out, err = json.MarshalIndent(res.Envelope, "", "  ")
			} else {
				out, err = protocol.Encode(res.Envelope)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVarP(&runOpts.payload, "payload", "p", "", "request payload JSON")
	cmd.Flags().StringVarP(&runOpts.file, "file", "f", "", "read the request payload from a file")
	cmd.Flags().BoolVar(&runOpts.pretty, "pretty", false, "indent the printed envelope")
	cmd.MarkFlagsMutuallyExclusive("payload", "file")
	return cmd
}

func readPayload(opts *runOptions, stdin io.Reader) ([]byte, error) {
	switch {
	case opts.payload != "":
		return []byte(opts.payload), nil
	case opts.file != "":
		b, err := os.ReadFile(opts.file)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		return b, nil
	default:
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		if len(b) == 0 {
			return nil, errors.New("no payload given (use --payload, --file or stdin)")
		}
		return b, nil
	}
}
