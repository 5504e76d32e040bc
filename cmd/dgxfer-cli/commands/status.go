package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skycoin/dgxfer/cmd/dgxfer-cli/internal"
	"github.com/skycoin/dgxfer/pkg/node"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var apiAddr string

func init() {
	statusCmd.Flags().StringVarP(&apiAddr, "addr", "a", "localhost:7080", "HTTP API address of the node")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Shows endpoints and circuits of a running node",
	Run: func(_ *cobra.Command, _ []string) {
		var health node.HealthInfo
		internal.Catch(getAPI("/api/health", &health))
		fmt.Printf("node %s, up %s, %d buffers echoed\n\n", health.Version, health.Uptime, health.Echoed)

		var eps []node.EndpointSummary
		internal.Catch(getAPI("/api/endpoints", &eps))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 5, ' ', tabwriter.TabIndent)
		_, err := fmt.Fprintln(w, "endpoint\tstate\tpeers\tcircuits\tpending")
		internal.Catch(err)
		for _, ep := range eps {
			_, err = fmt.Fprintf(w, "%s\t%s\t%v\t%d\t%d\n", ep.Address, ep.State, ep.Peers, ep.Circuits, ep.HalfCircuits)
			internal.Catch(err)
		}
		internal.Catch(w.Flush())
		fmt.Println()

		var circuits []node.CircuitSummary
		internal.Catch(getAPI("/api/circuits", &circuits))
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 5, ' ', tabwriter.TabIndent)
		_, err = fmt.Fprintln(w, "circuit\tpeer\tinfo\tbuffers\tsent\treceived")
		internal.Catch(err)
		for _, c := range circuits {
			_, err = fmt.Fprintf(w, "%s\t%s\t%s\t%dx%d\t%d\t%d\n", c.ID, c.Log.Peer, c.ProtocolInfo,
				c.BufferCount, c.BufferSize, c.Log.SentBytes, c.Log.ReceivedBytes)
			internal.Catch(err)
		}
		internal.Catch(w.Flush())
	},
}

var apiClient = &http.Client{Timeout: 10 * time.Second}

func getAPI(path string, v interface{}) error {
	resp, err := apiClient.Get("http://" + apiAddr + path)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Warn("Failed to close response body")
		}
	}()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e) // nolint: errcheck
		return fmt.Errorf("%s: %s %s", path, resp.Status, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
