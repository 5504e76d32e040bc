package commands

import (
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/cobra"
)

var log = logging.MustGetLogger("dgxfer-cli")

var rootCmd = &cobra.Command{
	Use:   "dgxfer-cli",
	Short: "Command Line Interface for dgxfer",
}

// Execute executes root CLI command.
func Execute() {
	rootCmd.Execute() //nolint:errcheck
}
