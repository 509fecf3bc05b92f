package adapter

// CallReport captures adapter call metadata.
type CallReport struct {
	Adapter      string    `json:"adapter"`
	Model        string    `json:"model"`
	Operation    Operation `json:"operation"`
	Retries      int       `json:"retries"`
	FallbackUsed bool      `json:"fallback_used"`
	DurationMs   int64     `json:"duration_ms"`
	Error        string    `json:"error,omitempty"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
}

// Registry holds constructed adapters by name.
type Registry map[string]Adapter

// Get returns the named adapter or an error naming the missing adapter.
func (r Registry) Get(name string) (Adapter, error) {
	if a, ok := r[name]; ok && a != nil {
		return a, nil
	}
	return nil, &AdapterError{Kind: KindOther, Err: errAdapterNotFound(name)}
}
