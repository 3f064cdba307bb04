package proc

import "time"

const (
	defaultLaunchTimeout   = 10 * time.Second
	defaultHaltTimeout     = time.Second
	defaultControlTimeout  = 2 * time.Second
	defaultRunFirstTimeout = 500 * time.Millisecond
	defaultRunSetupTimeout = 500 * time.Millisecond
	defaultCacheLineSize   = 512
	defaultCacheLines      = 64
)

// Config contains the settings of a Process. Zero fields are replaced by
// their default value.
type Config struct {
	// LaunchTimeout bounds the wait for the first stop after a launch.
	LaunchTimeout time.Duration
	// HaltTimeout bounds the wait for the stop requested by Halt.
	HaltTimeout time.Duration
	// ControlTimeout bounds the acknowledgement of control loop requests.
	ControlTimeout time.Duration
	// RunFirstTimeout is the first wait of RunThreadPlan when trying all
	// threads without an explicit timeout.
	RunFirstTimeout time.Duration
	// RunSetupTimeout bounds the wait for the running event after
	// RunThreadPlan resumed the process, and the wait for the stop after it
	// halted it.
	RunSetupTimeout time.Duration

	DisableMemoryCache  bool
	MemoryCacheLineSize int
	MemoryCacheLines    int

	// Arch is the expected architecture of the target, it is reconciled
	// with the platform when attaching.
	Arch string
}

func (c Config) withDefaults() Config {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.LaunchTimeout, defaultLaunchTimeout)
	def(&c.HaltTimeout, defaultHaltTimeout)
	def(&c.ControlTimeout, defaultControlTimeout)
	def(&c.RunFirstTimeout, defaultRunFirstTimeout)
	def(&c.RunSetupTimeout, defaultRunSetupTimeout)
	if c.MemoryCacheLineSize <= 0 {
		c.MemoryCacheLineSize = defaultCacheLineSize
	}
	if c.MemoryCacheLines <= 0 {
		c.MemoryCacheLines = defaultCacheLines
	}
	return c
}
