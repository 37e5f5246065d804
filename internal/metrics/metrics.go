package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gate metrics
var (
	TagScans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_tag_scans_total",
			Help: "Tag detections handed to the access decision, by lane.",
		},
		[]string{"lane"},
	)

	AccessDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_access_decisions_total",
			Help: "Access decisions by outcome.",
		},
		[]string{"outcome"},
	)

	ReaderFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_reader_faults_total",
			Help: "Aborted detections due to reader errors, by lane.",
		},
		[]string{"lane"},
	)
)

// Sync metrics
var (
	SyncCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_sync_cycles_total",
			Help: "Completed sync cycles by result.",
		},
		[]string{"result"},
	)

	ClockUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_clock_uploads_total",
			Help: "Clock event upload attempts by result.",
		},
		[]string{"result"},
	)

	TokenRefreshes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gate_token_refreshes_total",
			Help: "Access token refreshes triggered by the expiry guard.",
		},
	)
)

// Decision outcomes used as label values.
const (
	OutcomeGranted         = "granted"
	OutcomeDeniedUnknown   = "denied_unknown"
	OutcomeDeniedAmbiguous = "denied_ambiguous"
	OutcomeDeniedState     = "denied_state"
	OutcomeDeniedRescan    = "denied_rescan"
	OutcomeUnconfirmed     = "unconfirmed"
)
