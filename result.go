package modplane

// Result is the outcome of an administrative operation. Admin surfaces
// (HTTP, CLI) render it as is; internal callers use the Go error instead.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// OK builds a successful Result.
func OK(message string, data map[string]any) Result {
	return Result{Success: true, Message: message, Data: data}
}

// Failed builds an unsuccessful Result.
func Failed(message string) Result {
	return Result{Success: false, Message: message}
}

// ResultFromError returns OK(success) when err is nil and a failed Result
// carrying the error text otherwise.
func ResultFromError(err error, success string) Result {
	if err != nil {
		return Failed(err.Error())
	}
	return OK(success, nil)
}
