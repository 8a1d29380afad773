package types

import (
	"fmt"
	"time"

	"github.com/ethereum-optimism/infra/op-testplan/matcher"
	"gopkg.in/yaml.v3"
)

// PlanFile is the YAML document describing a test plan
type PlanFile struct {
	RootDir          string                   `yaml:"rootDir,omitempty"`
	Runtimes         map[string]RuntimeConfig `yaml:"runtimes"`
	TestPlan         TestPlan                 `yaml:"testPlan"`
	Parallel         ParallelConfig           `yaml:"parallel,omitempty"`
	FailFast         bool                     `yaml:"failFast,omitempty"`
	DefaultAllocated *time.Duration           `yaml:"defaultAllocated,omitempty"`
	Fragment         string                   `yaml:"fragment,omitempty"`
	Coverage         CoverageConfig           `yaml:"coverage,omitempty"`
}

// RuntimeConfig declares a named runtime
type RuntimeConfig struct {
	Type        string            `yaml:"type"`
	Inherits    []string          `yaml:"inherits,omitempty"`
	Version     string            `yaml:"version,omitempty"`
	MinVersion  string            `yaml:"minVersion,omitempty"`
	Disabled    bool              `yaml:"disabled,omitempty"`
	Command     []string          `yaml:"command,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Dir         string            `yaml:"dir,omitempty"`
	GracePeriod *time.Duration    `yaml:"gracePeriod,omitempty"`
	// CoverageMethod is "file" (the worker writes the coverage file) or "env"
	// (V8 dumps into NODE_V8_COVERAGE and the runtime gathers them).
	CoverageMethod string         `yaml:"coverageMethod,omitempty"`
	Params         map[string]any `yaml:"params,omitempty"`
}

// ParallelConfig bounds how many executions may run at once
type ParallelConfig struct {
	// Max is an absolute count ("4") or a share of the CPUs ("50%").
	Max string `yaml:"max,omitempty"`
	// MaxCPU is the system CPU ratio above which no new execution starts.
	MaxCPU float64 `yaml:"maxCpu,omitempty"`
	// MaxMemory is a byte size ("2GB") or a share of total memory ("50%").
	MaxMemory string `yaml:"maxMemory,omitempty"`
}

// CoverageConfig enables and scopes coverage collection
type CoverageConfig struct {
	Enabled         bool          `yaml:"enabled,omitempty"`
	Include         matcher.Spec  `yaml:"include,omitempty"`
	IncludeMissing  *bool         `yaml:"includeMissing,omitempty"`
	TempDir         string        `yaml:"tempDir,omitempty"`
	ConflictWarning *bool         `yaml:"conflictWarning,omitempty"`
	V8Dir           string        `yaml:"v8Dir,omitempty"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`
}

// ExecutionConfig describes how a group runs the files it is declared for
type ExecutionConfig struct {
	Runtime            string         `yaml:"runtime"`
	RuntimeParams      map[string]any `yaml:"runtimeParams,omitempty"`
	Allocated          *time.Duration `yaml:"allocated,omitempty"`
	Uses               []string       `yaml:"uses,omitempty"`
	CollectConsole     bool           `yaml:"collectConsole,omitempty"`
	CollectPerformance bool           `yaml:"collectPerformance,omitempty"`
	MeasureMemoryUsage bool           `yaml:"measureMemoryUsage,omitempty"`
	CollectCoverage    *bool          `yaml:"collectCoverage,omitempty"`
}

// GroupConfig is one group declared under a pattern. A disabled group
// cancels the same group declared by an earlier pattern.
type GroupConfig struct {
	Name     string
	Disabled bool
	Config   ExecutionConfig
}

// PatternConfig lists the groups declared for files matching Pattern
type PatternConfig struct {
	Pattern string
	Groups  []GroupConfig
}

// TestPlan is the ordered pattern to groups mapping
type TestPlan []PatternConfig

// UnmarshalYAML decodes the mapping while preserving pattern and group order.
func (p *TestPlan) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: testPlan must be a mapping", node.Line)
	}
	plan := make(TestPlan, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		pc := PatternConfig{Pattern: key.Value}
		if value.Kind != yaml.MappingNode {
			return fmt.Errorf("line %d: groups of %q must be a mapping", value.Line, key.Value)
		}
		for j := 0; j+1 < len(value.Content); j += 2 {
			gk, gv := value.Content[j], value.Content[j+1]
			group := GroupConfig{Name: gk.Value}
			switch {
			case gv.Tag == "!!null":
				group.Disabled = true
			case gv.Tag == "!!bool":
				var enabled bool
				if err := gv.Decode(&enabled); err != nil {
					return err
				}
				if enabled {
					return fmt.Errorf("line %d: group %q must be a mapping or false", gv.Line, gk.Value)
				}
				group.Disabled = true
			default:
				if err := gv.Decode(&group.Config); err != nil {
					return fmt.Errorf("line %d: group %q: %w", gv.Line, gk.Value, err)
				}
			}
			pc.Groups = append(pc.Groups, group)
		}
		plan = append(plan, pc)
	}
	*p = plan
	return nil
}

// ResolveRuntimeInheritance merges the settings of inherited runtimes into
// each runtime. Values set on the child win; maps are merged key by key.
func ResolveRuntimeInheritance(runtimes map[string]RuntimeConfig) error {
	resolved := make(map[string]RuntimeConfig, len(runtimes))
	var resolve func(name string, visiting map[string]bool) (RuntimeConfig, error)
	resolve = func(name string, visiting map[string]bool) (RuntimeConfig, error) {
		if rc, ok := resolved[name]; ok {
			return rc, nil
		}
		rc, ok := runtimes[name]
		if !ok {
			return RuntimeConfig{}, fmt.Errorf("runtime %q does not exist", name)
		}
		if visiting[name] {
			return RuntimeConfig{}, fmt.Errorf("circular inheritance detected at runtime %q", name)
		}
		visiting[name] = true
		defer delete(visiting, name)

		for _, parentName := range rc.Inherits {
			parent, err := resolve(parentName, visiting)
			if err != nil {
				return RuntimeConfig{}, fmt.Errorf("runtime %q: %w", name, err)
			}
			rc = mergeRuntime(rc, parent)
		}
		resolved[name] = rc
		return rc, nil
	}
	for name := range runtimes {
		if _, err := resolve(name, make(map[string]bool)); err != nil {
			return err
		}
	}
	for name, rc := range resolved {
		runtimes[name] = rc
	}
	return nil
}

func mergeRuntime(child, parent RuntimeConfig) RuntimeConfig {
	if child.Type == "" {
		child.Type = parent.Type
	}
	if child.Version == "" {
		child.Version = parent.Version
	}
	if child.MinVersion == "" {
		child.MinVersion = parent.MinVersion
	}
	if len(child.Command) == 0 {
		child.Command = parent.Command
	}
	if child.Dir == "" {
		child.Dir = parent.Dir
	}
	if child.GracePeriod == nil {
		child.GracePeriod = parent.GracePeriod
	}
	if child.CoverageMethod == "" {
		child.CoverageMethod = parent.CoverageMethod
	}
	child.Env = mergeMaps(parent.Env, child.Env)
	child.Params = mergeMaps(parent.Params, child.Params)
	return child
}

func mergeMaps[V any](base, override map[string]V) map[string]V {
	if len(base) == 0 {
		return override
	}
	out := make(map[string]V, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
