package commands

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/cobra"

	"github.com/skycoin/dgxfer/cmd/dgxfer-cli/internal"
	"github.com/skycoin/dgxfer/internal/netutil"
	"github.com/skycoin/dgxfer/pkg/endpoint"
)

func init() {
	rootCmd.AddCommand(pingCmd)
}

var (
	pingCount   int
	pingSize    int
	pingTimeout time.Duration
	pingHost    string
	pingMailbox uint16
	pingRetry   time.Duration
	verbose     bool
)

func init() {
	pingCmd.Flags().IntVarP(&pingCount, "count", "n", 4, "number of buffers to send")
	pingCmd.Flags().IntVarP(&pingSize, "size", "s", 64, "buffer size in bytes, at least 8")
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 5*time.Second, "connect and per-buffer timeout")
	pingCmd.Flags().StringVar(&pingHost, "host", "", "local address to bind, defaults to $"+endpoint.EnvTransferAddr+" or 127.0.0.1")
	pingCmd.Flags().Uint16Var(&pingMailbox, "mailbox", 0, "local mailbox, picked at random when zero")
	pingCmd.Flags().DurationVar(&pingRetry, "retry", 0, "keep retrying the connection this long while the node is not answering")
	pingCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log transfer events")
}

var pingCmd = &cobra.Command{
	Use:   "ping <endpoint|corbaloc>",
	Short: "Opens a circuit to an echoing node and measures buffer round trips",
	Args:  cobra.ExactArgs(1),
	PreRun: func(_ *cobra.Command, _ []string) {
		if !verbose {
			logging.SetLevel(logrus.WarnLevel)
		}
		if pingSize < 8 {
			pingSize = 8
		}
	},
	Run: func(_ *cobra.Command, args []string) {
		conf := endpoint.DefaultConfig()
		conf.Mailbox = pingMailbox
		reg := endpoint.NewRegistry(conf, &endpoint.UDPDriver{Host: pingHost})
		defer func() {
			if err := reg.Close(); err != nil {
				log.WithError(err).Warn("Failed to close registry")
			}
		}()

		var c *endpoint.Circuit
		connect := func() (err error) {
			c, err = reg.Connect(args[0], pingSize, "ping", pingTimeout)
			return err
		}
		var err error
		if pingRetry > 0 {
			r := netutil.NewRetrier(100*time.Millisecond, pingRetry, 2).
				WithErrWhitelist(endpoint.ErrBadCorbaloc, endpoint.ErrNoDriver, endpoint.ErrProtocolMismatch)
			err = r.Do(context.Background(), connect)
		} else {
			err = connect()
		}
		internal.Catch(err, "failed to connect:")
		fmt.Printf("PING %s from %s: %d byte buffers\n", c.Peer(), localAddress(reg), pingSize)

		var (
			total    time.Duration
			received int
		)
		for i := 0; i < pingCount; i++ {
			rtt, err := pingOnce(c, uint64(i))
			if err != nil {
				fmt.Printf("seq=%d: %v\n", i, err)
				continue
			}
			received++
			total += rtt
			fmt.Printf("%d bytes from mailbox %d: seq=%d time=%v\n", pingSize, c.PeerMailbox(), i, rtt)
		}
		internal.Catch(c.Close())

		fmt.Printf("--- %d buffers sent, %d echoed", pingCount, received)
		if received > 0 {
			fmt.Printf(", avg %v", total/time.Duration(received))
		}
		fmt.Println(" ---")
	},
}

func localAddress(reg *endpoint.Registry) string {
	if eps := reg.Endpoints(); len(eps) > 0 {
		return eps[0].Address()
	}
	return "?"
}

// pingOnce sends a buffer stamped with seq and waits for its echo.
func pingOnce(c *endpoint.Circuit, seq uint64) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	out, err := c.WaitOutputBuffer(ctx)
	if err != nil {
		return 0, err
	}
	payload := out.Data[:pingSize]
	binary.BigEndian.PutUint64(payload, seq)
	for i := 8; i < len(payload); i++ {
		payload[i] = byte(i)
	}
	want := append([]byte(nil), payload...)

	start := time.Now()
	if err := c.SendOutputBuffer(out, pingSize, uint8(seq)); err != nil {
		return 0, err
	}
	in, err := c.WaitInputBuffer(ctx)
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)

	ok := bytes.Equal(in.Data, want) && in.Opcode == uint8(seq)
	if err := c.ReleaseInputBuffer(in); err != nil {
		return 0, err
	}
	if !ok {
		return rtt, fmt.Errorf("echo does not match the buffer sent")
	}
	return rtt, nil
}
