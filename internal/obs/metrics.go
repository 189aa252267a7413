package obs

// Label is a key/value pair attached to measurements.
type Label struct {
	Key   string
	Value string
}

// Meter is a very small interface for emitting counters/histograms.
// Implementations may no-op or bridge to a metrics system.
type Meter interface {
	Counter(name string, value float64, labels ...Label)
	Histogram(name string, value float64, labels ...Label)
}

// Metric names emitted by the engine.
const (
	ConnsAccepted  = "conns_accepted"
	ConnsRefused   = "conns_refused"
	ConnsClosed    = "conns_closed"
	Requests       = "requests"
	Responses      = "responses"
	ProtocolErrors = "protocol_errors"
	HandlerErrors  = "handler_errors"
	BytesRead      = "bytes_read"
	BytesWritten   = "bytes_written"
	RequestSeconds = "request_seconds"
)

// NopMeter is a Meter that discards all measurements.
type NopMeter struct{}

func (NopMeter) Counter(name string, value float64, labels ...Label)   {}
func (NopMeter) Histogram(name string, value float64, labels ...Label) {}
