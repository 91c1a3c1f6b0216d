package config

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Validate checks the config for:
//   - required fields and sane engine settings
//   - duplicate node ids
//   - bindings that reference undeclared nodes
//   - params that cannot be represented as typed values
//
// Node types, ports and cycles are checked against the catalogue when the
// graph is built.
func Validate(cfg *Config) error {
	var result *multierror.Error
	if cfg.Version == "" {
		result = multierror.Append(result, fmt.Errorf("version is required"))
	}
	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		result = multierror.Append(result, fmt.Errorf("log.level: unknown level %q", cfg.Log.Level))
	}
	switch cfg.Log.Format {
	case "", "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("log.format: unknown format %q", cfg.Log.Format))
	}

	e := cfg.Engine
	if e.Sessions < 0 {
		result = multierror.Append(result, fmt.Errorf("engine.sessions must not be negative"))
	}
	if e.QueueDepth < 0 {
		result = multierror.Append(result, fmt.Errorf("engine.queue_depth must not be negative"))
	}
	if e.TaskTimeoutMs < 0 {
		result = multierror.Append(result, fmt.Errorf("engine.task_timeout_ms must not be negative"))
	}
	if e.MaxRestarts < 0 || e.TaskRetries < 0 {
		result = multierror.Append(result, fmt.Errorf("engine.max_restarts and engine.task_retries must not be negative"))
	}
	if e.SubscriberBuffer < 0 {
		result = multierror.Append(result, fmt.Errorf("engine.subscriber_buffer must not be negative"))
	}
	if e.ShutdownGraceMs < 0 {
		result = multierror.Append(result, fmt.Errorf("engine.shutdown_grace_ms must not be negative"))
	}
	for k, v := range cfg.Environment {
		if _, err := ToCty(v); err != nil {
			result = multierror.Append(result, fmt.Errorf("environment.%s: %w", k, err))
		}
	}
	if err := ValidateGraph(cfg.Graph); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// ValidateGraph checks a graph document without a catalogue.
func ValidateGraph(doc GraphDoc) error {
	var result *multierror.Error
	ids := make(map[string]int, len(doc.Nodes)) // id → index
	for i, n := range doc.Nodes {
		if n.ID == "" {
			result = multierror.Append(result, fmt.Errorf("graph.nodes[%d]: id is required", i))
			continue
		}
		if prev, ok := ids[n.ID]; ok {
			result = multierror.Append(result, fmt.Errorf("duplicate node id %q (first seen at graph.nodes[%d], again at graph.nodes[%d])", n.ID, prev, i))
			continue
		}
		ids[n.ID] = i
		if n.Type == "" {
			result = multierror.Append(result, fmt.Errorf("node %s: type is required", n.ID))
		}
		if _, err := ParamsToCty(n.Params); err != nil {
			result = multierror.Append(result, fmt.Errorf("node %s: %w", n.ID, err))
		}
	}
	for _, n := range doc.Nodes {
		for port, ref := range n.Inputs {
			if ref.Node == "" || ref.Port == "" {
				result = multierror.Append(result, fmt.Errorf("node %s: input %s: node and port are required", n.ID, port))
				continue
			}
			if _, ok := ids[ref.Node]; !ok {
				result = multierror.Append(result, fmt.Errorf("node %s: input %s references unknown node %q", n.ID, port, ref.Node))
			}
		}
	}
	return result.ErrorOrNil()
}
