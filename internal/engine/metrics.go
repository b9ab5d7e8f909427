package engine

// Metrics receives loop events for instrumentation.
type Metrics interface {
	BlockUploaded(provider string, bytes int)
	FileSynced(provider string)
	FileFailed(provider string)
	FileDiscovered(source string)
	ScanCompleted()
}

// NopMetrics discards all events.
type NopMetrics struct{}

func (NopMetrics) BlockUploaded(string, int) {}
func (NopMetrics) FileSynced(string)         {}
func (NopMetrics) FileFailed(string)         {}
func (NopMetrics) FileDiscovered(string)     {}
func (NopMetrics) ScanCompleted()            {}
