package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cba-go/internal/cba"
	"cba-go/internal/engine"
)

const metricsNamespace = "cba"

// progressTimeout bounds the index query made during a scrape.
const progressTimeout = 5 * time.Second

// Collector is a prometheus.Collector for the scan and backup loops.
// It also receives loop events as an engine.Metrics.
type Collector struct {
	blocksUploaded *prometheus.CounterVec
	bytesUploaded  *prometheus.CounterVec
	filesSynced    *prometheus.CounterVec
	filesFailed    *prometheus.CounterVec
	discovered     *prometheus.CounterVec
	scanPasses     prometheus.Counter

	progress cba.Index
	files    *prometheus.Desc
	bytes    *prometheus.Desc
	logger   cba.Logger
}

var (
	_ prometheus.Collector = (*Collector)(nil)
	_ engine.Metrics       = (*Collector)(nil)
)

// NewCollector returns a new Collector. When progress is non-nil, every
// scrape also reports file counts read from it.
func NewCollector(progress cba.Index, logger cba.Logger) *Collector {
	return &Collector{
		blocksUploaded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "blocks_uploaded_total",
				Help:      "The number of blocks committed to a provider.",
			}, []string{"provider"},
		),
		bytesUploaded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "bytes_uploaded_total",
				Help:      "The number of file bytes committed to a provider.",
			}, []string{"provider"},
		),
		filesSynced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "files_synced_total",
				Help:      "The number of files fully stored at a provider.",
			}, []string{"provider"},
		),
		filesFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "files_failed_total",
				Help:      "The number of file transfers to a provider that failed.",
			}, []string{"provider"},
		),
		discovered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "files_discovered_total",
				Help:      "The number of new file revisions found by the scan loop.",
			}, []string{"source"},
		),
		scanPasses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "scan_passes_total",
				Help:      "The number of completed scan passes.",
			},
		),
		progress: progress,
		files: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "index", "files"),
			"The number of tracked file records by status.",
			[]string{"status"}, nil,
		),
		bytes: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "index", "bytes"),
			"The size of active file records, total and synced.",
			[]string{"state"}, nil,
		),
		logger: logger,
	}
}

func (c *Collector) BlockUploaded(provider string, bytes int) {
	c.blocksUploaded.WithLabelValues(provider).Inc()
	c.bytesUploaded.WithLabelValues(provider).Add(float64(bytes))
}

func (c *Collector) FileSynced(provider string) {
	c.filesSynced.WithLabelValues(provider).Inc()
}

func (c *Collector) FileFailed(provider string) {
	c.filesFailed.WithLabelValues(provider).Inc()
}

func (c *Collector) FileDiscovered(source string) {
	c.discovered.WithLabelValues(source).Inc()
}

func (c *Collector) ScanCompleted() {
	c.scanPasses.Inc()
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.blocksUploaded.Describe(ch)
	c.bytesUploaded.Describe(ch)
	c.filesSynced.Describe(ch)
	c.filesFailed.Describe(ch)
	c.discovered.Describe(ch)
	c.scanPasses.Describe(ch)
	if c.progress != nil {
		ch <- c.files
		ch <- c.bytes
	}
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.blocksUploaded.Collect(ch)
	c.bytesUploaded.Collect(ch)
	c.filesSynced.Collect(ch)
	c.filesFailed.Collect(ch)
	c.discovered.Collect(ch)
	c.scanPasses.Collect(ch)
	if c.progress != nil {
		c.collectProgress(ch)
	}
}

func (c *Collector) collectProgress(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), progressTimeout)
	defer cancel()

	p, err := c.progress.GetBackupProgress(ctx)
	if err != nil {
		c.logger.Warn("failed to read backup progress", "error", err)
		return
	}
	for status, n := range map[cba.FileStatus]int64{
		cba.FileUnsynced:   p.Unsynced,
		cba.FileInProgress: p.InProgress,
		cba.FileSynced:     p.Synced,
		cba.FileRemoved:    p.Removed,
		cba.FileSuperseded: p.Superseded,
	} {
		ch <- prometheus.MustNewConstMetric(c.files, prometheus.GaugeValue, float64(n), string(status))
	}
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(p.TotalBytes), "total")
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(p.SyncedBytes), "synced")
}
