package relay

import "time"

const (
	// DefaultBrowserPath is the upgrade path for browser connections.
	DefaultBrowserPath = "/ws/browser"

	// DefaultAgentPath is the upgrade path for agent connections.
	DefaultAgentPath = "/ws/agent"

	// DefaultAgentAuthTimeout bounds the wait for the agent:auth message
	// after an agent upgrade.
	DefaultAgentAuthTimeout = 5 * time.Second

	// DefaultRequestTimeout is the deadline for a correlated request.
	DefaultRequestTimeout = 15 * time.Second

	// DefaultHeartbeatPeriod is the interval between agent:ping probes.
	DefaultHeartbeatPeriod = 30 * time.Second

	// DefaultHeartbeatMaxMissed is how many consecutive probes an agent may
	// leave unanswered before its connection is closed.
	DefaultHeartbeatMaxMissed = 2
)

// Config holds the tunable parameters of the relay. The zero value is
// usable: withDefaults fills in every unset field.
type Config struct {
	// BrowserPath and AgentPath are the two upgrade paths. All other paths
	// are refused by the HTTP router.
	BrowserPath string
	AgentPath   string

	// AgentAuthTimeout is how long an upgraded agent connection may remain
	// silent before the relay closes it.
	AgentAuthTimeout time.Duration

	// RequestTimeout is the deadline for correlated requests. A request
	// with no response within this window receives a synthesised timeout
	// response.
	RequestTimeout time.Duration

	// HeartbeatPeriod is the agent liveness probe interval.
	HeartbeatPeriod time.Duration

	// HeartbeatMaxMissed is the number of unanswered probes after which an
	// agent is considered dead.
	HeartbeatMaxMissed int
}

func (c Config) withDefaults() Config {
	if c.BrowserPath == "" {
		c.BrowserPath = DefaultBrowserPath
	}
	if c.AgentPath == "" {
		c.AgentPath = DefaultAgentPath
	}
	if c.AgentAuthTimeout <= 0 {
		c.AgentAuthTimeout = DefaultAgentAuthTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.HeartbeatPeriod <= 0 {
		c.HeartbeatPeriod = DefaultHeartbeatPeriod
	}
	if c.HeartbeatMaxMissed <= 0 {
		c.HeartbeatMaxMissed = DefaultHeartbeatMaxMissed
	}
	return c
}
