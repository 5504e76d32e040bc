package node

import (
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/google/uuid"

	"github.com/skycoin/dgxfer/internal/httputil"
	"github.com/skycoin/dgxfer/internal/metrics"
	"github.com/skycoin/dgxfer/pkg/endpoint"
)

const httpTimeout = 30 * time.Second

// HealthInfo is returned by GET /api/health.
type HealthInfo struct {
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Echoed  uint64 `json:"echoed_buffers"`
}

// EndpointSummary describes one local endpoint.
type EndpointSummary struct {
	Address      string   `json:"address"`
	Protocol     string   `json:"protocol"`
	Mailbox      uint16   `json:"mailbox"`
	State        string   `json:"state"`
	Peers        []uint16 `json:"peers"`
	Circuits     int      `json:"circuits"`
	HalfCircuits int      `json:"pending_half_circuits"`
}

// CircuitSummary describes one circuit. Live is false for entries read back from
// the log store.
type CircuitSummary struct {
	ID           uuid.UUID         `json:"id"`
	Live         bool              `json:"live"`
	PeerMailbox  uint16            `json:"peer_mailbox,omitempty"`
	ProtocolInfo string            `json:"protocol_info,omitempty"`
	BufferSize   int               `json:"buffer_size,omitempty"`
	BufferCount  int               `json:"buffer_count,omitempty"`
	Log          endpoint.LogEntry `json:"log"`
}

func summarizeCircuit(c *endpoint.Circuit) CircuitSummary {
	return CircuitSummary{
		ID:           c.ID(),
		Live:         true,
		PeerMailbox:  c.PeerMailbox(),
		ProtocolInfo: c.ProtocolInfo(),
		BufferSize:   c.BufferSize(),
		BufferCount:  c.BufferCount(),
		Log:          c.Stats(),
	}
}

// API returns the HTTP status API of n. Request metrics go to m.
func API(n *Node, m metrics.Recorder) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Timeout(httpTimeout))
	r.Use(metrics.Middleware(m))
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", getHealth(n))
		r.Get("/endpoints", getEndpoints(n))
		r.Get("/circuits", getCircuits(n))
		r.Get("/circuits/{id}", getCircuit(n))
	})
	return r
}

func getHealth(n *Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, r, http.StatusOK, HealthInfo{
			Version: Version,
			Uptime:  n.Uptime().Round(time.Second).String(),
			Echoed:  n.Echoed(),
		})
	}
}

func getEndpoints(n *Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eps := n.Registry().Endpoints()
		out := make([]EndpointSummary, 0, len(eps))
		for _, ep := range eps {
			a := ep.Addr()
			out = append(out, EndpointSummary{
				Address:      ep.Address(),
				Protocol:     a.Protocol,
				Mailbox:      a.Mailbox,
				State:        ep.State().String(),
				Peers:        ep.Peers(),
				Circuits:     len(ep.Circuits()),
				HalfCircuits: ep.PendingHalfCircuits(),
			})
		}
		httputil.WriteJSON(w, r, http.StatusOK, out)
	}
}

func getCircuits(n *Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := httputil.IntFromQuery(r, "limit", 0)
		if err != nil {
			httputil.WriteJSON(w, r, http.StatusBadRequest, err)
			return
		}
		out := make([]CircuitSummary, 0)
		for _, ep := range n.Registry().Endpoints() {
			for _, c := range ep.Circuits() {
				if limit > 0 && len(out) == limit {
					break
				}
				out = append(out, summarizeCircuit(c))
			}
		}
		httputil.WriteJSON(w, r, http.StatusOK, out)
	}
}

func getCircuit(n *Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.WriteJSON(w, r, http.StatusBadRequest, err)
			return
		}
		for _, ep := range n.Registry().Endpoints() {
			for _, c := range ep.Circuits() {
				if c.ID() == id {
					httputil.WriteJSON(w, r, http.StatusOK, summarizeCircuit(c))
					return
				}
			}
		}
		entry, err := n.Registry().LogStore().Entry(id)
		if err != nil {
			httputil.WriteJSON(w, r, http.StatusNotFound, err)
			return
		}
		httputil.WriteJSON(w, r, http.StatusOK, CircuitSummary{ID: id, Log: *entry})
	}
}
