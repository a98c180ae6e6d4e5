package main

import (
	"fmt"
	"log/slog"

	"github.com/gordian-engine/xstream/cmd/xstream-tester/internal/config"
	"github.com/spf13/cobra"
)

// cliState is populated by the root command's PersistentPreRunE.
type cliState struct {
	cfgPath string

	// Flag overrides.
	listen   string
	logLevel string

	cfg *config.Config
	log *slog.Logger
}

func newRootCmd() *cobra.Command {
	st := new(cliState)

	root := &cobra.Command{
		Use:   "xstream-tester",
		Short: "Run and exercise xstream nodes",

		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(st.cfgPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if st.listen != "" {
				cfg.Listen = st.listen
			}
			if st.logLevel != "" {
				cfg.Log.Level = st.logLevel
			}

			st.cfg = cfg
			st.log = cfg.NewLogger(cmd.ErrOrStderr())
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&st.cfgPath, "config", "xstream.yaml", "path to YAML config file")
	pf.StringVar(&st.listen, "listen", "", "UDP address to listen on (overrides config)")
	pf.StringVar(&st.logLevel, "log-level", "", "log level (overrides config)")

	root.AddCommand(
		newGenCACmd(),
		newGenCertCmd(),
		newListenCmd(st),
		newPingCmd(st),
		newEchoCmd(st),
		newIdentifyCmd(st),
	)

	return root
}
