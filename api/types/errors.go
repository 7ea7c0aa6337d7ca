package types

// ErrorResponse is the body of every non-2xx response. Kind is a stable
// machine-readable label.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}
