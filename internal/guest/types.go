package guest

import "fmt"

// ExecRequest is the body of POST /execute.
type ExecRequest struct {
	Command string `json:"command"`
	Shell   bool   `json:"shell"`
}

// ExecResult is the response of POST /execute.
type ExecResult struct {
	Status     string `json:"status"`
	ReturnCode int    `json:"returncode"`
	Output     string `json:"output"`
	Error      string `json:"error"`
}

// Succeeded reports whether the command ran and exited zero.
func (r *ExecResult) Succeeded() bool {
	return r != nil && r.Status == "success" && r.ReturnCode == 0
}

// APIError is returned when the guest control API answers with a non-200 status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("guest API error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("guest API error (%d): %s", e.StatusCode, e.Message)
}
