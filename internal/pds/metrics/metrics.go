package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "drift_pds"

func counter(name, help string) prometheus.Counter {
	return promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
}

func gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
}

func histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// HTTP surface
var (
	Requests = counterVec("requests",
		"Total number of requests served",
		"version", "service", "host", "handler", "method", "status")

	RequestDuration = histogramVec("request_duration",
		"Request duration in seconds",
		prometheus.ExponentialBuckets(0.001, 2, 20),
		"service", "host", "handler", "method", "status")
)

// Storage layer
var (
	Queries = counterVec("queries",
		"Total number of FDB queries",
		"query", "status")

	QueryDuration = histogramVec("query_duration_seconds",
		"Duration histogram of FDB queries in seconds",
		prometheus.ExponentialBuckets(0.0001, 2, 18), // 0.1ms to ~13s
		"query", "status")
)

// Firehose
var (
	FirehoseSubscribers = gaugeVec("firehose_subscribers",
		"Current number of firehose subscribers",
		"pds_host")

	FirehoseEventsSent = counterVec("firehose_events_sent",
		"Total number of events sent to firehose subscribers",
		"pds_host")

	FirehoseEventsDropped = counterVec("firehose_events_dropped",
		"Total number of events dropped due to slow subscribers",
		"pds_host")
)

// Blob storage
var (
	BlobUploads = counterVec("blob_uploads_total",
		"Total number of blob uploads",
		"status")

	BlobUploadBytes = counter("blob_upload_bytes_total",
		"Total bytes uploaded to blob storage")

	BlobDownloads = counterVec("blob_downloads_total",
		"Total number of blob downloads",
		"status")

	BlobDownloadBytes = counter("blob_download_bytes_total",
		"Total bytes downloaded from blob storage")
)

// Appview proxy
var (
	ProxyRequests = counterVec("proxy_requests_total",
		"Total number of proxied requests to appview",
		"method", "status")

	ProxyDuration = histogramVec("proxy_duration_seconds",
		"Duration of proxied requests to appview",
		prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~5min
		"method")

	ProxyErrors = counterVec("proxy_errors_total",
		"Total number of proxy errors",
		"error_type")
)

// Accounts and records
var (
	// type: login, refresh; status: success, failure, error
	AuthAttempts = counterVec("auth_attempts_total",
		"Total number of authentication attempts",
		"type", "status")

	AccountCreations = counterVec("account_creations_total",
		"Total number of account creation attempts",
		"status")

	// operation: create, update, delete
	RecordOperations = counterVec("record_operations_total",
		"Total number of record operations",
		"operation", "collection", "status")
)
