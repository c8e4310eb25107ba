package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type collector struct {
	src      Source
	captures CaptureSource

	millivolts *prometheus.Desc
	shots      *prometheus.Desc
	seq        *prometheus.Desc
	processed  *prometheus.Desc
	dropped    *prometheus.Desc
	skipped    *prometheus.Desc
	kicks      *prometheus.Desc
	stored     *prometheus.Desc
	drops      *prometheus.Desc
}

func newCollector(src Source, captures CaptureSource) *collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &collector{
		src:        src,
		captures:   captures,
		millivolts: desc("battery_millivolts", "Mean filtered battery voltage of the latest batch"),
		shots:      desc("shots_total", "Voltage sag events since the last restart"),
		seq:        desc("batch_sequence", "Sequence number of the latest batch"),
		processed:  desc("buffers_processed_total", "Batches processed since the last restart"),
		dropped:    desc("buffers_dropped_total", "Batches dropped because the consumer was late"),
		skipped:    desc("samples_skipped_total", "Samples skipped because the converter was busy"),
		kicks:      desc("watchdog_kicks_total", "Watchdog kicks since the last restart"),
		stored:     desc("captures_stored_total", "Captures written to the capture store"),
		drops:      desc("capture_drops_total", "Batches the capture recorder had no buffer for"),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.millivolts, c.shots, c.seq, c.processed, c.dropped, c.skipped, c.kicks, c.stored, c.drops,
	} {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	if rec, err := c.src.Snapshot(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.millivolts, prometheus.GaugeValue, float64(rec.Millivolts))
		ch <- prometheus.MustNewConstMetric(c.shots, prometheus.CounterValue, float64(rec.Shots))
		ch <- prometheus.MustNewConstMetric(c.seq, prometheus.GaugeValue, float64(rec.Seq))
		ch <- prometheus.MustNewConstMetric(c.processed, prometheus.CounterValue, float64(rec.BuffersProcessed))
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(rec.BuffersDropped))
		ch <- prometheus.MustNewConstMetric(c.skipped, prometheus.CounterValue, float64(rec.SamplesSkipped))
		ch <- prometheus.MustNewConstMetric(c.kicks, prometheus.CounterValue, float64(rec.WatchdogKicks))
	}

	if c.captures == nil {
		return
	}
	if st, ok := c.captures.CaptureStatus(); ok {
		ch <- prometheus.MustNewConstMetric(c.stored, prometheus.CounterValue, float64(st.Stored))
		ch <- prometheus.MustNewConstMetric(c.drops, prometheus.CounterValue, float64(st.Drops))
	}
}
