package metrics

import (
	"net/http"
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lightsync"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	stateChanges     *prom.CounterVec
	channelState     *prom.GaugeVec
	sinkSkipped      *prom.CounterVec
	sinkFailures     *prom.CounterVec
	buttonEdges      *prom.CounterVec
	commandsRejected *prom.CounterVec
	listeners        *prom.GaugeVec
	busConnected     *prom.GaugeVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics on reg.
// A nil reg gets a fresh private registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		stateChanges: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "state_changes_total",
			Help:      "Accepted channel state changes by channel, source and new state",
		}, []string{"channel", "source", "state"}),
		channelState: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_on",
			Help:      "Current channel state (1 = ON, 0 = OFF)",
		}, []string{"channel"}),
		sinkSkipped: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "sink_skipped_total",
			Help:      "Events dropped because the sink was unreachable",
		}, []string{"sink"}),
		sinkFailures: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "sink_failures_total",
			Help:      "Events a reachable sink failed to deliver",
		}, []string{"sink"}),
		buttonEdges: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "button_edges_total",
			Help:      "Debounced button edges by channel and direction",
		}, []string{"channel", "edge"}),
		commandsRejected: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "commands_rejected_total",
			Help:      "Inbound commands rejected before reaching the engine",
		}, []string{"transport", "reason"}),
		listeners: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "live_listeners",
			Help:      "Connected live-update listeners by transport",
		}, []string{"transport"}),
		busConnected: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_connected",
			Help:      "Message bus connectivity (1 = connected)",
		}, []string{"bus"}),
	}
	reg.MustRegister(pr.stateChanges, pr.channelState, pr.sinkSkipped, pr.sinkFailures,
		pr.buttonEdges, pr.commandsRejected, pr.listeners, pr.busConnected)
	return pr
}

func (p *PrometheusRecorder) IncStateChange(channel int, source string, state string) {
	if p == nil {
		return
	}
	p.stateChanges.WithLabelValues(strconv.Itoa(channel), source, state).Inc()
}

func (p *PrometheusRecorder) SetChannelState(channel int, on bool) {
	if p == nil {
		return
	}
	p.channelState.WithLabelValues(strconv.Itoa(channel)).Set(boolValue(on))
}

func (p *PrometheusRecorder) IncSinkSkipped(sink string) {
	if p == nil {
		return
	}
	p.sinkSkipped.WithLabelValues(sink).Inc()
}

func (p *PrometheusRecorder) IncSinkFailure(sink string) {
	if p == nil {
		return
	}
	p.sinkFailures.WithLabelValues(sink).Inc()
}

func (p *PrometheusRecorder) IncButtonEdge(channel int, press bool) {
	if p == nil {
		return
	}
	edge := "release"
	if press {
		edge = "press"
	}
	p.buttonEdges.WithLabelValues(strconv.Itoa(channel), edge).Inc()
}

func (p *PrometheusRecorder) IncCommandRejected(transport string, reason string) {
	if p == nil {
		return
	}
	p.commandsRejected.WithLabelValues(transport, reason).Inc()
}

func (p *PrometheusRecorder) SetListeners(transport string, n int) {
	if p == nil {
		return
	}
	p.listeners.WithLabelValues(transport).Set(float64(n))
}

func (p *PrometheusRecorder) SetBusConnected(bus string, connected bool) {
	if p == nil {
		return
	}
	p.busConnected.WithLabelValues(bus).Set(boolValue(connected))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// HTTPHandler returns an http.Handler that serves the metrics registered on reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
