package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RowsRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_source_rows_read_total",
		Help: "Rows parsed from source files.",
	}, []string{"topic"})

	RecordsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_journal_records_appended_total",
		Help: "Records durably acknowledged by the journal.",
	}, []string{"topic"})

	FilesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_source_files_completed_total",
		Help: "Source files fully ingested and relocated.",
	}, []string{"topic"})

	FilesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_source_files_failed_total",
		Help: "Source files moved to the error location.",
	}, []string{"topic"})

	RowsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_sink_rows_applied_total",
		Help: "Rows committed to the target table.",
	}, []string{"table"})

	BatchCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_sink_batch_commits_total",
		Help: "Batch transactions committed (data plus checkpoint).",
	}, []string{"table"})

	RecordsDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_sink_records_dead_lettered_total",
		Help: "Records shunted to the dead-letter topic.",
	}, []string{"table"})
)

func Expose(port int) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		_ = http.ListenAndServe(fmt.Sprintf(":%d", port), nil)
	}()
}
