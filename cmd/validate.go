package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/xpass/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load a configuration file, apply defaults and environment overrides,
and check every value without touching any capture.

Examples:
  xpass validate -c xpass.yaml
  XPASS_DATAPLANE_WORKERS=4 xpass validate -c xpass.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(configFile, cmd.OutOrStdout()); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

func runValidate(path string, w io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	dp := cfg.Dataplane
	fmt.Fprintf(w, "VALID: %d worker(s), mtu %d, %d flow(s) per worker, %d local prefix(es)\n",
		dp.Workers, dp.MTU, dp.FlowTableCapacity, len(dp.LocalNets()))
	return nil
}
