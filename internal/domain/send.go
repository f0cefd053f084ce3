package domain

// SendResult is the outcome of one send through a session's driver.
type SendResult struct {
	Success    bool   `json:"success"`
	ExternalID string `json:"external_id,omitempty"`
	Err        error  `json:"-"`
}

// Error returns the failure message, empty on success.
func (r SendResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
