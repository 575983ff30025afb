package session

// State is the turn-taking state of a call.
type State int

const (
	// StateIdle is a session whose stream has not started yet.
	StateIdle State = iota
	// StateListening buffers caller audio.
	StateListening
	// StateThinking runs transcription and generation.
	StateThinking
	// StateSpeaking plays a reply.
	StateSpeaking
	// StateClosed is terminal.
	StateClosed
)

// String returns the state name used in logs and the sessions API.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText lets State render as its name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
