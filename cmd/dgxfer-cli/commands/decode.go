package commands

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/skycoin/dgxfer/cmd/dgxfer-cli/internal"
	"github.com/skycoin/dgxfer/pkg/wire"
)

func init() {
	rootCmd.AddCommand(decodeCmd)
}

var decodeCmd = &cobra.Command{
	Use:   "decode <hex>",
	Short: "Decodes a captured datagram and prints its headers",
	Args:  cobra.MinimumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		raw, err := parseHex(strings.Join(args, ""))
		internal.Catch(err, "failed to parse <hex>:")

		hdr, msgs, err := wire.DecodeFrame(raw)
		internal.Catch(err, "malformed datagram:")
		fmt.Println(hdr)
		if !hdr.HasMessages() {
			fmt.Println("ack-only frame")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.TabIndent)
		_, err = fmt.Fprintln(w, "type\ttid\tseq\taddr\tlen\tflag\tvalue")
		internal.Catch(err)
		for _, m := range msgs {
			_, err = fmt.Fprintf(w, "%s\t%d\t%d/%d\t%#x\t%d\t%#x\t%d\n", m.Type, m.TransactionID,
				m.MsgSequence, m.NumMsgsInTransaction, m.DataAddr, m.DataLen, m.FlagAddr, m.FlagValue)
			internal.Catch(err)
		}
		internal.Catch(w.Flush())
	},
}

// parseHex accepts hex with an optional 0x prefix and any whitespace or colons.
func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', ':':
			return -1
		}
		return r
	}, s)
	return hex.DecodeString(s)
}
