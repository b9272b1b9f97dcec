//go:build !profile

package prof

// Enabled reports whether the binary was built with the "profile" tag.
const Enabled = false

// Profiling errors (defined for API compatibility but never returned by stubs).
var (
	// ErrActive indicates a profiling session is already running.
	ErrActive error

	// ErrInvalidProfile indicates an invalid or unsupported profile type.
	ErrInvalidProfile error
)

// Session is an inert profiling session.
type Session struct{}

// Start is a no-op when built without the "profile" tag.
func Start(_ Config) (*Session, error) {
	return &Session{}, nil
}

// Addr always returns "" when built without the "profile" tag.
func (s *Session) Addr() string {
	return ""
}

// Stop is a no-op when built without the "profile" tag.
func (s *Session) Stop() error {
	return nil
}
