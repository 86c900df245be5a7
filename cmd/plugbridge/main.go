// Command plugbridge loads plugins through the bridge: it probes a plugin's
// metadata and parameters or hosts a set of bridged instances behind the
// status and metrics surface.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"plugbridge/internal/client"
	"plugbridge/internal/common/logenv"
	"plugbridge/internal/config"
	"plugbridge/internal/httpapi"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath   string
	logLevel     string
	logJSON      bool
	serverBinary string

	file config.File
	log  zerolog.Logger
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	root := &cobra.Command{
		Use:           "plugbridge",
		Short:         "Run audio plugins in isolated server processes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.complete(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&o.configPath, "config", "c", logenv.Str("PLUGBRIDGE_CONFIG", ""), "config file (.yaml, .yml, .json or .toml)")
	pf.StringVar(&o.logLevel, "log-level", logenv.Str("PLUGBRIDGE_LOG_LEVEL", "info"), "log level: debug|info|warn|error|off")
	pf.BoolVar(&o.logJSON, "log-json", logenv.Bool("PLUGBRIDGE_LOG_JSON", false), "write JSON log lines")
	pf.StringVar(&o.serverBinary, "server-binary", "", "plugin-server executable (path or name)")

	root.AddCommand(newProbeCmd(o), newRunCmd(o), newVersionCmd())
	return root
}

// complete loads the config file and lets explicitly set flags override it.
func (o *rootOptions) complete(cmd *cobra.Command) error {
	if o.configPath != "" {
		f, err := config.Load(o.configPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		o.file = f
	}
	flags := cmd.Flags()
	if o.file.LogLevel != "" && !flags.Changed("log-level") {
		o.logLevel = o.file.LogLevel
	}
	if o.file.LogJSON && !flags.Changed("log-json") {
		o.logJSON = true
	}
	if o.serverBinary != "" {
		o.file.ServerBinary = o.serverBinary
	}
	o.log = logenv.New(os.Stderr, o.logLevel, o.logJSON)
	httpapi.SetLogger(o.log)
	return nil
}

// bridgeConfig returns the client configuration for one instance.
func (o *rootOptions) bridgeConfig() client.Config {
	cfg := o.file.BridgeConfig()
	cfg.Logger = &o.log
	cfg.ServerStderr = os.Stderr
	return cfg
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the plugbridge version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "plugbridge", version)
		},
	}
}

// splitCSV splits a comma-separated list, trimming blanks and dropping
// empty entries.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "plugbridge:", err)
		os.Exit(1)
	}
}
