package codec

// DecodeError reports a malformed or undersized audio payload. Callers drop
// the offending frame and carry on.
type DecodeError struct {
	Reason string
	Cause  error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return "decode: " + e.Reason + ": " + e.Cause.Error()
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Cause }
