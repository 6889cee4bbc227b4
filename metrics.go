package reactor

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics collects loop, server and connection statistics into a
// VictoriaMetrics set. One Metrics may be shared by many loops and servers,
// each series is labelled with the loop or server name.
//
// Example:
//
//	m := reactor.NewMetrics()
//	srv, _ := reactor.NewServer(loop, "127.0.0.1:9000", "echo", reactor.WithServerMetrics(m))
//	http.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
//		m.WritePrometheus(w)
//	})
type Metrics struct {
	set *metrics.Set
}

// NewMetrics returns a Metrics backed by a fresh set.
func NewMetrics() *Metrics {
	return &Metrics{set: metrics.NewSet()}
}

// Set exposes the underlying set, e.g. to register it alongside others.
func (m *Metrics) Set() *metrics.Set { return m.set }

// WritePrometheus writes every series in the Prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer) { m.set.WritePrometheus(w) }

func (m *Metrics) counter(name, labelKey, labelValue string) *metrics.Counter {
	return m.set.GetOrCreateCounter(fmt.Sprintf(`%s{%s=%q}`, name, labelKey, labelValue))
}

// loopMetrics are the per loop series. A nil receiver records nothing.
type loopMetrics struct {
	iterations *metrics.Counter
	events     *metrics.Counter
	messages   *metrics.Counter
	wakeups    *metrics.Counter
}

func (m *Metrics) forLoop(name string) *loopMetrics {
	if m == nil {
		return nil
	}
	return &loopMetrics{
		iterations: m.counter("reactor_loop_iterations_total", "loop", name),
		events:     m.counter("reactor_loop_active_channels_total", "loop", name),
		messages:   m.counter("reactor_loop_messages_total", "loop", name),
		wakeups:    m.counter("reactor_loop_wakeups_total", "loop", name),
	}
}

func (x *loopMetrics) iteration(activeChannels int) {
	if x == nil {
		return
	}
	x.iterations.Inc()
	x.events.Add(activeChannels)
}

func (x *loopMetrics) message() {
	if x != nil {
		x.messages.Inc()
	}
}

func (x *loopMetrics) wakeup() {
	if x != nil {
		x.wakeups.Inc()
	}
}

// serverMetrics are the per server series, shared by its connections. A nil
// receiver records nothing.
type serverMetrics struct {
	accepted      *metrics.Counter
	acceptErrors  *metrics.Counter
	closed        *metrics.Counter
	bytesRead     *metrics.Counter
	bytesWritten  *metrics.Counter
	highWaterMark *metrics.Counter
}

func (m *Metrics) forServer(name string, connections func() int) *serverMetrics {
	if m == nil {
		return nil
	}
	m.set.GetOrCreateGauge(fmt.Sprintf(`reactor_server_connections{server=%q}`, name), func() float64 {
		return float64(connections())
	})
	return &serverMetrics{
		accepted:      m.counter("reactor_server_accepted_total", "server", name),
		acceptErrors:  m.counter("reactor_server_accept_errors_total", "server", name),
		closed:        m.counter("reactor_server_closed_total", "server", name),
		bytesRead:     m.counter("reactor_server_read_bytes_total", "server", name),
		bytesWritten:  m.counter("reactor_server_written_bytes_total", "server", name),
		highWaterMark: m.counter("reactor_server_high_water_mark_total", "server", name),
	}
}

func (x *serverMetrics) accept() {
	if x != nil {
		x.accepted.Inc()
	}
}

func (x *serverMetrics) acceptError() {
	if x != nil {
		x.acceptErrors.Inc()
	}
}

func (x *serverMetrics) close() {
	if x != nil {
		x.closed.Inc()
	}
}

func (x *serverMetrics) read(n int) {
	if x != nil && n > 0 {
		x.bytesRead.Add(n)
	}
}

func (x *serverMetrics) written(n int) {
	if x != nil && n > 0 {
		x.bytesWritten.Add(n)
	}
}

func (x *serverMetrics) highWater() {
	if x != nil {
		x.highWaterMark.Inc()
	}
}
