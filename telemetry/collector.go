package telemetry

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time view of component queue depths
type Snapshot struct {
	PendingTransactions int
	ObjectsCheckedOut   int
	SequencerQueued     int
	SequencerPending    int
	ResentOutstanding   int
}

// SnapshotProvider is implemented by the engine that owns the components
type SnapshotProvider interface {
	Snapshot() Snapshot
}

// MetricsCollector periodically samples a SnapshotProvider into gauges
type MetricsCollector struct {
	provider SnapshotProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider SnapshotProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	s := mc.provider.Snapshot()
	TxnPending.Set(float64(s.PendingTransactions))
	ObjectsCheckedOut.Set(float64(s.ObjectsCheckedOut))
	SequencerQueued.Set(float64(s.SequencerQueued))
	SequencerPending.Set(float64(s.SequencerPending))
	ResentOutstanding.Set(float64(s.ResentOutstanding))
}
