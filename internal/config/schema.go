package config

// Config is the top-level YAML structure.
type Config struct {
	Version     string         `yaml:"version"`
	Log         LogConf        `yaml:"log"`
	Engine      EngineConf     `yaml:"engine"`
	Environment map[string]any `yaml:"environment"` // ambient settings mixed into every fingerprint
	Graph       GraphDoc       `yaml:"graph"`
}

// LogConf selects the slog handler.
type LogConf struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// EngineConf holds tunable concurrency and cache settings.
type EngineConf struct {
	Sessions            int   `yaml:"sessions"` // 0 = GOMAXPROCS
	QueueDepth          int   `yaml:"queue_depth"`
	TaskTimeoutMs       int   `yaml:"task_timeout_ms"`
	MaxRestarts         int   `yaml:"max_restarts"`
	TaskRetries         int   `yaml:"task_retries"`
	CacheBudgetBytes    int64 `yaml:"cache_budget_bytes"`
	BackpressureRetryMs int   `yaml:"backpressure_retry_ms"`
	SubscriberBuffer    int   `yaml:"subscriber_buffer"`
	ShutdownGraceMs     int   `yaml:"shutdown_grace_ms"`
}

// GraphDoc describes a node graph declaratively.
type GraphDoc struct {
	Nodes []NodeDoc `yaml:"nodes"`
}

// NodeDoc is one node: its type, params and input bindings.
type NodeDoc struct {
	ID     string              `yaml:"id"`
	Type   string              `yaml:"type"`
	Params map[string]any      `yaml:"params"`
	Inputs map[string]InputRef `yaml:"inputs"` // input port → producer
}

// InputRef names the producer output feeding an input port.
type InputRef struct {
	Node string `yaml:"node"`
	Port string `yaml:"port"`
}
