package store

// Stores is the top-level container for all storage backends.
// DeadLetters is nil when the dead-letter store is disabled.
type Stores struct {
	DeadLetters DeadLetterStore
}

// Close releases every configured backend.
func (s *Stores) Close() error {
	if s == nil || s.DeadLetters == nil {
		return nil
	}
	return s.DeadLetters.Close()
}
