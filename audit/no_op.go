package audit

// NoOpLogger is a no-op implementation for when the action log is disabled
type NoOpLogger struct{}

func NewNoOpLogger() Logger {
	return new(NoOpLogger)
}

func (n *NoOpLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{Events: []Event{}}, nil
}

func (n *NoOpLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	return nil
}

func (n *NoOpLogger) Close() error {
	return nil
}
