// Package metrics records datagram transfer statistics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives transfer engine events.
type Recorder interface {
	FrameSent(resend bool)
	AckOnlySent()
	FrameReceived()
	FrameDropped(reason string)
	TransactionDone(failed bool)
	CircuitOpened()
	CircuitClosed()
}

type dummy struct{}

// NewDummy returns a Recorder that discards everything.
func NewDummy() Recorder { return dummy{} }

func (dummy) FrameSent(bool)       {}
func (dummy) AckOnlySent()         {}
func (dummy) FrameReceived()       {}
func (dummy) FrameDropped(string)  {}
func (dummy) TransactionDone(bool) {}
func (dummy) CircuitOpened()       {}
func (dummy) CircuitClosed()       {}

// XferMetrics is a prometheus backed Recorder.
type XferMetrics struct {
	FramesSent     prometheus.Counter
	FramesResent   prometheus.Counter
	AckOnlyFrames  prometheus.Counter
	FramesReceived prometheus.Counter
	FramesDropped  *prometheus.CounterVec
	Transactions   *prometheus.CounterVec
	Circuits       prometheus.Gauge
}

// NewXferMetrics registers transfer metrics prefixed with service.
func NewXferMetrics(service string) *XferMetrics {
	return &XferMetrics{
		FramesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: service + "_frames_sent_total",
			Help: "Frames carrying messages sent for the first time",
		}),
		FramesResent: promauto.NewCounter(prometheus.CounterOpts{
			Name: service + "_frames_resent_total",
			Help: "Frames retransmitted after an ack timeout",
		}),
		AckOnlyFrames: promauto.NewCounter(prometheus.CounterOpts{
			Name: service + "_ack_frames_total",
			Help: "ACK-only frames sent",
		}),
		FramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: service + "_frames_received_total",
			Help: "Well formed frames received",
		}),
		FramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_frames_dropped_total",
			Help: "Received frames dropped, by reason",
		}, []string{"reason"}),
		Transactions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_transactions_total",
			Help: "Finished transactions, by outcome",
		}, []string{"outcome"}),
		Circuits: promauto.NewGauge(prometheus.GaugeOpts{
			Name: service + "_circuits",
			Help: "Open message circuits",
		}),
	}
}

// FrameSent implements Recorder.
func (m *XferMetrics) FrameSent(resend bool) {
	if resend {
		m.FramesResent.Inc()
		return
	}
	m.FramesSent.Inc()
}

// AckOnlySent implements Recorder.
func (m *XferMetrics) AckOnlySent() { m.AckOnlyFrames.Inc() }

// FrameReceived implements Recorder.
func (m *XferMetrics) FrameReceived() { m.FramesReceived.Inc() }

// FrameDropped implements Recorder.
func (m *XferMetrics) FrameDropped(reason string) { m.FramesDropped.WithLabelValues(reason).Inc() }

// TransactionDone implements Recorder.
func (m *XferMetrics) TransactionDone(failed bool) {
	outcome := "complete"
	if failed {
		outcome = "failed"
	}
	m.Transactions.WithLabelValues(outcome).Inc()
}

// CircuitOpened implements Recorder.
func (m *XferMetrics) CircuitOpened() { m.Circuits.Inc() }

// CircuitClosed implements Recorder.
func (m *XferMetrics) CircuitClosed() { m.Circuits.Dec() }
