package prof

// Profile represents a pprof profile type.
type Profile string

// Profile type constants.
const (
	ProfileCPU   Profile = "cpu"
	ProfileBlock Profile = "block"
	ProfileMutex Profile = "mutex"
)

// String returns the string representation of the profile type.
func (p Profile) String() string {
	return string(p)
}

// Config selects which profiles a [Session] records.
type Config struct {
	CPUPath   string // CPU profile output, streamed until Stop
	MutexPath string // mutex contention snapshot written at Stop
	BlockPath string // blocking snapshot written at Stop
	HTTPAddr  string // net/http/pprof listen address, e.g. "localhost:6060"
}

// Empty reports whether cfg requests no profiling at all.
func (c Config) Empty() bool {
	return c.CPUPath == "" && c.MutexPath == "" && c.BlockPath == "" && c.HTTPAddr == ""
}
