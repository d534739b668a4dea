package tracer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements prometheus.Collector over a Session's counters.
// Values are read at scrape time, nothing is recorded on the hot path.
type Collector struct {
	session *Session

	threadsStartedDesc  *prometheus.Desc
	threadsFinishedDesc *prometheus.Desc
	threadsLiveDesc     *prometheus.Desc
	recordsDesc         *prometheus.Desc
	writeErrorsDesc     *prometheus.Desc
	transitionsDesc     *prometheus.Desc
	instrumentedDesc    *prometheus.Desc
}

// NewCollector creates a collector for s.
func NewCollector(s *Session) *Collector {
	labels := prometheus.Labels{"format": string(s.serializer.Format())}
	return &Collector{
		session: s,
		threadsStartedDesc: prometheus.NewDesc(
			"roitracer_threads_started_total",
			"Total number of traced threads started.",
			nil, labels,
		),
		threadsFinishedDesc: prometheus.NewDesc(
			"roitracer_threads_finished_total",
			"Total number of traced threads whose trace file was closed.",
			nil, labels,
		),
		threadsLiveDesc: prometheus.NewDesc(
			"roitracer_threads_active",
			"Number of traced threads currently registered.",
			nil, labels,
		),
		recordsDesc: prometheus.NewDesc(
			"roitracer_records_written_total",
			"Total number of instruction records written.",
			nil, labels,
		),
		writeErrorsDesc: prometheus.NewDesc(
			"roitracer_write_errors_total",
			"Total number of failed trace stream writes.",
			nil, labels,
		),
		transitionsDesc: prometheus.NewDesc(
			"roitracer_roi_transitions_total",
			"Total number of region of interest transitions.",
			[]string{"direction"}, labels,
		),
		instrumentedDesc: prometheus.NewDesc(
			"roitracer_instructions_instrumented_total",
			"Total number of instructions instrumented.",
			nil, labels,
		),
	}
}

// Describe sends the descriptors of all metrics to the provided channel.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.threadsStartedDesc
	ch <- c.threadsFinishedDesc
	ch <- c.threadsLiveDesc
	ch <- c.recordsDesc
	ch <- c.writeErrorsDesc
	ch <- c.transitionsDesc
	ch <- c.instrumentedDesc
}

// Collect creates and sends the metrics on each scrape.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.session.Stats()

	ch <- prometheus.MustNewConstMetric(c.threadsStartedDesc, prometheus.CounterValue, float64(st.ThreadsStarted))
	ch <- prometheus.MustNewConstMetric(c.threadsFinishedDesc, prometheus.CounterValue, float64(st.ThreadsFinished))
	ch <- prometheus.MustNewConstMetric(c.threadsLiveDesc, prometheus.GaugeValue, float64(st.ThreadsLive))
	ch <- prometheus.MustNewConstMetric(c.recordsDesc, prometheus.CounterValue, float64(st.Records))
	ch <- prometheus.MustNewConstMetric(c.writeErrorsDesc, prometheus.CounterValue, float64(st.WriteErrors))
	ch <- prometheus.MustNewConstMetric(c.transitionsDesc, prometheus.CounterValue, float64(st.RoiBegins), "begin")
	ch <- prometheus.MustNewConstMetric(c.transitionsDesc, prometheus.CounterValue, float64(st.RoiEnds), "end")
	ch <- prometheus.MustNewConstMetric(c.instrumentedDesc, prometheus.CounterValue, float64(st.Instrumented))
}
