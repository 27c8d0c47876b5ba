package telemetry

// Histogram bucket definitions
var (
	// StageLatencyBuckets for per-stage processing time
	StageLatencyBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

	// SizeBuckets for apply batch and commit flush sizes
	SizeBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}
)

// Transaction lifecycle
var (
	// TxnIncomingTotal counts transactions received by kind (normal, resent, sync_write, eviction)
	TxnIncomingTotal CounterVec = noopCounterVec{}

	// TxnAppliedTotal counts transactions applied, skipped ones labelled "skipped"
	TxnAppliedTotal CounterVec = noopCounterVec{}

	// TxnCommittedTotal counts transactions made durable
	TxnCommittedTotal Counter = NoopStat{}

	// TxnCompletedTotal counts transactions whose account entry was retired
	TxnCompletedTotal Counter = NoopStat{}

	// TxnPending tracks transactions not yet retired
	TxnPending Gauge = NoopStat{}

	// StageDurationSeconds measures stage processing time by stage (lookup, apply, commit, broadcast)
	StageDurationSeconds HistogramVec = noopHistogramVec{}

	// ListenerPanicsTotal counts listener callbacks that panicked
	ListenerPanicsTotal Counter = NoopStat{}

	// NodesShutdownTotal counts node shutdowns processed
	NodesShutdownTotal Counter = NoopStat{}
)

// Admission
var (
	// CheckoutConflictsTotal counts checkouts denied because part of the footprint was held
	CheckoutConflictsTotal Counter = NoopStat{}

	// ObjectsCheckedOut tracks objects currently held by in-flight transactions
	ObjectsCheckedOut Gauge = NoopStat{}

	// SequencerQueued tracks transactions waiting in the sequencer
	SequencerQueued Gauge = NoopStat{}

	// SequencerPending tracks transactions parked on a downstream resource
	SequencerPending Gauge = NoopStat{}

	// ApplyBatchSize measures transactions per apply batch
	ApplyBatchSize Histogram = NoopStat{}

	// ResentOutstanding tracks resent transactions not yet through their lifecycle
	ResentOutstanding Gauge = NoopStat{}
)

// Persistence
var (
	// StorageCommitsTotal counts underlying storage commits by result (success, failed)
	StorageCommitsTotal CounterVec = noopCounterVec{}

	// CommitFlushSize measures changes per storage commit
	CommitFlushSize Histogram = NoopStat{}

	// DurableGID tracks the highest GID confirmed durable
	DurableGID Gauge = NoopStat{}
)

// InitMetrics initializes all metrics. Called from InitializeTelemetry.
func InitMetrics() {
	TxnIncomingTotal = NewCounterVec(
		"txn_incoming_total",
		"Transactions received by kind",
		[]string{"kind"},
	)
	TxnAppliedTotal = NewCounterVec(
		"txn_applied_total",
		"Transactions applied by mode",
		[]string{"mode"},
	)
	TxnCommittedTotal = NewCounter(
		"txn_committed_total",
		"Transactions made durable",
	)
	TxnCompletedTotal = NewCounter(
		"txn_completed_total",
		"Transactions whose lifecycle completed",
	)
	TxnPending = NewGauge(
		"txn_pending",
		"Transactions not yet completed",
	)
	StageDurationSeconds = NewHistogramVec(
		"stage_duration_seconds",
		"Pipeline stage processing time",
		[]string{"stage"},
		StageLatencyBuckets,
	)
	ListenerPanicsTotal = NewCounter(
		"listener_panics_total",
		"Listener callbacks that panicked",
	)
	NodesShutdownTotal = NewCounter(
		"nodes_shutdown_total",
		"Node shutdowns processed",
	)

	CheckoutConflictsTotal = NewCounter(
		"checkout_conflicts_total",
		"Checkouts denied on a held object",
	)
	ObjectsCheckedOut = NewGauge(
		"objects_checked_out",
		"Objects held by in-flight transactions",
	)
	SequencerQueued = NewGauge(
		"sequencer_queued",
		"Transactions queued in the sequencer",
	)
	SequencerPending = NewGauge(
		"sequencer_pending",
		"Transactions parked pending a downstream resource",
	)
	ApplyBatchSize = NewHistogram(
		"apply_batch_size",
		"Transactions per apply batch",
		SizeBuckets,
	)
	ResentOutstanding = NewGauge(
		"resent_outstanding",
		"Resent transactions not yet completed",
	)

	StorageCommitsTotal = NewCounterVec(
		"storage_commits_total",
		"Underlying storage commits by result",
		[]string{"result"},
	)
	CommitFlushSize = NewHistogram(
		"commit_flush_size",
		"Changes per storage commit",
		SizeBuckets,
	)
	DurableGID = NewGauge(
		"durable_gid",
		"Highest GID confirmed durable",
	)
}
