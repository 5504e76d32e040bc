package commands

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/skycoin/dgxfer/cmd/dgxfer-cli/internal"
	"github.com/skycoin/dgxfer/internal/pathutil"
	"github.com/skycoin/dgxfer/pkg/node"
)

func init() {
	rootCmd.AddCommand(genConfigCmd)
}

var (
	output   string
	replace  bool
	logStore string
)

func init() {
	genConfigCmd.Flags().StringVarP(&output, "output", "o", node.ConfigName, "path of output config file")
	genConfigCmd.Flags().BoolVarP(&replace, "replace", "r", false, "whether to allow rewrite of a file that already exists")
	genConfigCmd.Flags().StringVar(&logStore, "log-store", "memory", "circuit log store: memory, file or boltdb")
}

var genConfigCmd = &cobra.Command{
	Use:   "gen-config",
	Short: "Generates a node config file",
	PreRun: func(_ *cobra.Command, _ []string) {
		var err error
		output, err = pathutil.Expand(output)
		internal.Catch(err, "invalid output provided:")
	},
	Run: func(_ *cobra.Command, _ []string) {
		if _, err := os.Stat(output); err == nil && !replace {
			log.Fatalf("%s already exists, run with -r to replace it", output)
		}

		conf := node.DefaultConfig()
		conf.LogStore.Type = logStore
		switch logStore {
		case "file":
			conf.LogStore.Location = filepath.Join(filepath.Dir(output), "circuit_logs")
		case "boltdb":
			conf.LogStore.Location = filepath.Join(filepath.Dir(output), "circuits.db")
		}
		internal.Catch(conf.Validate())

		raw, err := json.MarshalIndent(conf, "", "  ")
		internal.Catch(err)
		internal.Catch(pathutil.AtomicWriteFile(output, raw), "failed to write config:")
		log.Infof("Config written to %s", output)
	},
}
