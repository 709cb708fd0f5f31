package translator

// ValidationError reports a missing or invalid request field. Param names the
// offending field in the client's own payload.
type ValidationError struct {
	Param   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Param == "" {
		return e.Message
	}
	return e.Param + ": " + e.Message
}
