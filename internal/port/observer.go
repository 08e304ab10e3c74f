package port

// TransferObserver receives download events, e.g. for metrics.
// Implementations must be safe for concurrent use.
type TransferObserver interface {
	// BytesWritten is called after each chunk is written to disk
	BytesWritten(n int)

	// AttemptFailed is called when an attempt fails and will be retried
	AttemptFailed(err error)

	// Restarted is called when a download is discarded and started over
	Restarted(reason string)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) BytesWritten(int)    {}
func (NopObserver) AttemptFailed(error) {}
func (NopObserver) Restarted(string)    {}

// TransferMetrics records per-transfer outcomes.
type TransferMetrics interface {
	// Started marks a transfer as running; the returned func records its
	// final status
	Started() func(status string)

	// ObserveVerification records one chunklist verification
	ObserveVerification(err error)
}

// NopMetrics records nothing.
type NopMetrics struct{}

func (NopMetrics) Started() func(string)     { return func(string) {} }
func (NopMetrics) ObserveVerification(error) {}
