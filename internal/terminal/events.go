package terminal

// Event names delivered to a Sink.
const (
	EventOutput = "terminal_output"
	EventExit   = "terminal_exit"
)

// Output carries a chunk of decoded session output.
type Output struct {
	SessionID uint32 `json:"session_id"`
	Data      string `json:"data"`
}

// Exit is emitted once when a session's child exits on its own.
type Exit struct {
	SessionID uint32 `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
}

// Sink receives session events. Emit is called from relay goroutines and
// must be safe for concurrent use.
type Sink interface {
	Emit(event string, payload interface{})
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(event string, payload interface{})

// Emit calls f(event, payload).
func (f SinkFunc) Emit(event string, payload interface{}) { f(event, payload) }

type discardSink struct{}

func (discardSink) Emit(string, interface{}) {}
