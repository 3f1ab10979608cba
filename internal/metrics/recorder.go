// Package metrics provides observability hooks for light channel state changes.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so metrics can be switched on without nil checks anywhere.
package metrics

// Recorder defines observability hooks for the toggle engine and its adapters.
// Implementations must be safe for concurrent use.
type Recorder interface {
	IncStateChange(channel int, source string, state string)
	SetChannelState(channel int, on bool)
	IncSinkSkipped(sink string)
	IncSinkFailure(sink string)
	IncButtonEdge(channel int, press bool)
	IncCommandRejected(transport string, reason string)
	SetListeners(transport string, n int)
	SetBusConnected(bus string, connected bool)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncStateChange(int, string, string) {}
func (NoopRecorder) SetChannelState(int, bool)         {}
func (NoopRecorder) IncSinkSkipped(string)             {}
func (NoopRecorder) IncSinkFailure(string)             {}
func (NoopRecorder) IncButtonEdge(int, bool)           {}
func (NoopRecorder) IncCommandRejected(string, string) {}
func (NoopRecorder) SetListeners(string, int)          {}
func (NoopRecorder) SetBusConnected(string, bool)      {}
