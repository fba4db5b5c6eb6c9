// Package chatclient is a Go client for the chat streaming API. It keeps a
// local view of one conversation, drives the exchange state machine, and
// consumes the frame stream produced by the server.
package chatclient

type State string

const (
	StateIdle State = "idle"
	// StateTyping marks local composition before a send. The controller never
	// enters it on its own; UI layers may toggle it between exchanges.
	StateTyping      State = "typing"
	StateThinking    State = "thinking"
	StateStreaming   State = "streaming"
	StateCompleted   State = "completed"
	StateError       State = "error"
	StateInterrupted State = "interrupted"
)

// legalTransitions encodes which state changes an exchange may take. The
// three settled states all accept a new send (thinking), and any live state
// can be interrupted or fail.
var legalTransitions = map[State][]State{
	StateIdle:        {StateTyping, StateThinking},
	StateTyping:      {StateIdle, StateThinking},
	StateThinking:    {StateStreaming, StateCompleted, StateError, StateInterrupted},
	StateStreaming:   {StateCompleted, StateError, StateInterrupted},
	StateCompleted:   {StateTyping, StateThinking},
	StateError:       {StateTyping, StateThinking},
	StateInterrupted: {StateTyping, StateThinking},
}

func (s State) CanTransition(to State) bool {
	for _, next := range legalTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Settled reports whether the state is terminal for the current exchange,
// i.e. a new message may be sent.
func (s State) Settled() bool {
	switch s {
	case StateIdle, StateTyping, StateCompleted, StateError, StateInterrupted:
		return true
	default:
		return false
	}
}
