package gpucount

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gpuledger/pkg/config"
	"gpuledger/pkg/interfaces"
	"gpuledger/pkg/logger"
)

// Strategy names accepted in tenant GPU policies.
const (
	StrategyReported           = "reported"
	StrategyConfigKey          = "config_key"
	StrategyConfigKeyPair      = "config_key_pair"
	StrategyDescriptionPattern = "description_pattern"
	StrategySummaryMetric      = "summary_metric"
	StrategySchedulerMetadata  = "scheduler_metadata"
)

type policy struct {
	strategy    string
	nodesKeys   []string
	gpusKey     string
	gpusPerNode int
	pattern     *regexp.Regexp
	metricKey   string
}

// Resolver maps a run's raw configuration plus its team identity to a GPU
// count through a per-tenant policy table. Unknown teams and failed policies
// fall back to the upstream-reported accelerator count; resolution never
// fails.
type Resolver struct {
	policies    map[string]policy // keyed by team entity
	gpusPerNode int
	client      interfaces.TrackingClient // scheduler_metadata fallback only
}

// NewResolver compiles tenant policies into a dispatch table.
func NewResolver(cfg *config.Config, client interfaces.TrackingClient) (*Resolver, error) {
	r := &Resolver{
		policies:    make(map[string]policy),
		gpusPerNode: cfg.Program.GPUsPerNode,
		client:      client,
	}
	for _, tenant := range cfg.Tenants {
		pc := tenant.GPUPolicy
		if pc.Strategy == "" || pc.Strategy == StrategyReported {
			continue
		}
		p := policy{
			strategy:    pc.Strategy,
			nodesKeys:   pc.NodesKeys,
			gpusKey:     pc.GPUsKey,
			gpusPerNode: pc.GPUsPerNode,
			metricKey:   pc.MetricKey,
		}
		if pc.Strategy == StrategyDescriptionPattern {
			re, err := regexp.Compile(pc.Pattern)
			if err != nil {
				return nil, fmt.Errorf("tenant %s: invalid gpu policy pattern %q: %w", tenant.Name, pc.Pattern, err)
			}
			if re.NumSubexp() < 1 {
				return nil, fmt.Errorf("tenant %s: gpu policy pattern %q needs a capture group", tenant.Name, pc.Pattern)
			}
			p.pattern = re
		}
		for _, team := range tenant.Teams {
			r.policies[team] = p
		}
	}
	return r, nil
}

// Resolve returns the run's GPU count, >= 0. A policy resolving to zero is
// treated as "could not determine" and falls back to the reported count.
func (r *Resolver) Resolve(ctx context.Context, team string, node *interfaces.RunNode, runPath string) int {
	reported := 0
	if node.RunInfo != nil {
		reported = node.RunInfo.GPUCount
	}

	p, ok := r.policies[team]
	if !ok {
		return reported
	}

	count := r.applyPolicy(ctx, p, node, runPath)
	if count <= 0 {
		logger.Warnf("gpu count policy for %s resolved to 0 on run %s, using reported count %d", team, runPath, reported)
		return reported
	}
	return count
}

func (r *Resolver) applyPolicy(ctx context.Context, p policy, node *interfaces.RunNode, runPath string) int {
	switch p.strategy {
	case StrategyConfigKey:
		runCfg := parseRunConfig(node.Config, runPath)
		return configIntMulti(runCfg, p.nodesKeys) * r.multiplier(p, 1)

	case StrategyConfigKeyPair:
		runCfg := parseRunConfig(node.Config, runPath)
		nodes := configIntMulti(runCfg, p.nodesKeys)
		gpus := configInt(runCfg, p.gpusKey)
		return nodes * gpus

	case StrategyDescriptionPattern:
		m := p.pattern.FindStringSubmatch(node.Description)
		if m == nil {
			return 0
		}
		nodes, err := strconv.Atoi(m[1])
		if err != nil {
			return 0
		}
		return nodes * r.multiplier(p, r.gpusPerNode)

	case StrategySummaryMetric:
		if v, ok := node.Summary[p.metricKey]; ok {
			return int(v)
		}
		return 0

	case StrategySchedulerMetadata:
		meta, err := r.client.SchedulerMetadata(ctx, runPath)
		if err != nil {
			logger.Warnf("failed to fetch scheduler metadata for run %s: %v", runPath, err)
			return 0
		}
		nodes := 0
		for _, key := range p.nodesKeys {
			if nodes = coerceInt(meta[key]); nodes != 0 {
				break
			}
		}
		gpus := r.multiplier(p, r.gpusPerNode)
		if p.gpusKey != "" {
			gpus = coerceInt(meta[p.gpusKey])
		}
		return nodes * gpus
	}
	return 0
}

// multiplier returns the policy's per-node GPU factor, or fallback when the
// policy does not set one.
func (r *Resolver) multiplier(p policy, fallback int) int {
	if p.gpusPerNode > 0 {
		return p.gpusPerNode
	}
	return fallback
}

// parseRunConfig decodes the run's raw key/value configuration. Malformed
// config degrades to an empty map; the caller's fallback path handles it.
func parseRunConfig(raw json.RawMessage, runPath string) map[string]interface{} {
	if len(raw) == 0 {
		return map[string]interface{}{}
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		// Some platforms double-encode the config as a JSON string.
		var s string
		if err2 := json.Unmarshal(raw, &s); err2 == nil {
			if err3 := json.Unmarshal([]byte(s), &cfg); err3 == nil {
				return cfg
			}
		}
		logger.Warnf("unable to parse run config for %s: %v", runPath, err)
		return map[string]interface{}{}
	}
	return cfg
}

// configInt reads one config key and coerces it to int. Values may be plain
// or wrapped as {"value": N}. Coercion failure yields 0.
func configInt(cfg map[string]interface{}, key string) int {
	v, ok := cfg[key]
	if !ok {
		return 0
	}
	if wrapped, ok := v.(map[string]interface{}); ok {
		v = wrapped["value"]
	}
	return coerceAnyInt(v)
}

// configIntMulti returns the first non-zero value among alternate keys.
func configIntMulti(cfg map[string]interface{}, keys []string) int {
	for _, key := range keys {
		if v := configInt(cfg, key); v != 0 {
			return v
		}
	}
	return 0
}

func coerceAnyInt(v interface{}) int {
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		return coerceInt(val)
	default:
		return 0
	}
}

func coerceInt(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
