// Package cli is the fedcore command line: the long-running federation
// service and the operator commands that act on the same database.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/deemkeen/fedcore/util"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	conf    *util.AppConfig
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           util.Name,
		Short:         "Federation core: WebFinger resolution, remote caches, instance health and delivery",
		Version:       util.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			util.SetupLogging(c)
			conf = c
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default ./config.yaml, then ~/.config/fedcore/config.yaml)")

	root.AddCommand(
		newServeCmd(),
		newCleanupCmd(),
		newPrewarmCmd(),
		newHealthCmd(),
		newStatsCmd(),
		newAlertsCmd(),
		newInstancesCmd(),
		newResolveCmd(),
		newFollowCmd(),
		newAccountCmd(),
		newMessageCmd(),
	)
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func loadConfig(path string) (*util.AppConfig, error) {
	if path == "" {
		return util.ReadConf()
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return util.ParseConf(buf)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
