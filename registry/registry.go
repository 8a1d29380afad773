package registry

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-testplan/runtime"
	"github.com/ethereum-optimism/infra/op-testplan/runtime/browser"
	"github.com/ethereum-optimism/infra/op-testplan/runtime/gotest"
	"github.com/ethereum-optimism/infra/op-testplan/runtime/inprocess"
	"github.com/ethereum-optimism/infra/op-testplan/runtime/process"
	"github.com/ethereum-optimism/infra/op-testplan/types"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

const versionProbeTimeout = 10 * time.Second

var versionPattern = regexp.MustCompile(`v?(\d+\.\d+\.\d+)`)

// Builder creates a runtime of a custom type
type Builder func(name string, rc types.RuntimeConfig) (runtime.Runtime, error)

// Registry holds the named runtimes declared by a test plan file
type Registry struct {
	config   Config
	plan     *types.PlanFile
	runtimes map[string]runtime.Runtime
	mu       sync.RWMutex
}

// Config contains registry configuration
type Config struct {
	Log      log.Logger
	PlanFile string
	// Builders add runtime types on top of the built-in ones.
	Builders map[string]Builder
	// Launchers drive the browser runtimes, by runtime name.
	Launchers map[string]browser.Launcher
}

// NewRegistry loads the plan file and builds its runtimes
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.PlanFile == "" {
		return nil, fmt.Errorf("test plan file is required")
	}
	plan, err := LoadPlanFile(cfg.PlanFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load test plan: %w", err)
	}
	return FromPlan(cfg, plan)
}

// FromPlan builds the runtimes of an already decoded plan
func FromPlan(cfg Config, plan *types.PlanFile) (*Registry, error) {
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if plan.Runtimes == nil {
		plan.Runtimes = make(map[string]types.RuntimeConfig)
	}
	if err := types.ResolveRuntimeInheritance(plan.Runtimes); err != nil {
		return nil, fmt.Errorf("failed to resolve runtime inheritance: %w", err)
	}

	r := &Registry{config: cfg, plan: plan, runtimes: make(map[string]runtime.Runtime)}
	for _, name := range sortedNames(plan.Runtimes) {
		rc := plan.Runtimes[name]
		rt, err := r.build(name, rc)
		if err != nil {
			return nil, fmt.Errorf("runtime %q: %w", name, err)
		}
		if !rc.Disabled {
			if err := checkMinVersion(rt, rc.MinVersion); err != nil {
				return nil, fmt.Errorf("runtime %q: %w", name, err)
			}
		}
		r.runtimes[name] = rt
	}
	cfg.Log.Debug("Registry loaded", "runtimes", len(r.runtimes))
	return r, nil
}

// LoadPlanFile reads a test plan file
func LoadPlanFile(path string) (*types.PlanFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	var plan types.PlanFile
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing plan file: %w", err)
	}
	return &plan, nil
}

func (r *Registry) build(name string, rc types.RuntimeConfig) (runtime.Runtime, error) {
	var grace time.Duration
	if rc.GracePeriod != nil {
		grace = *rc.GracePeriod
	}
	if b, ok := r.config.Builders[rc.Type]; ok {
		return b(name, rc)
	}
	switch rc.Type {
	case process.TypeName:
		version := rc.Version
		if version == "" && rc.MinVersion != "" && !rc.Disabled && len(rc.Command) > 0 {
			version = probeVersion(rc.Command[0], "--version")
		}
		return process.New(process.Config{
			Name:           name,
			Version:        version,
			Command:        rc.Command,
			Env:            rc.Env,
			Dir:            rc.Dir,
			GracePeriod:    grace,
			CoverageMethod: rc.CoverageMethod,
		})
	case gotest.TypeName:
		goBinary := "go"
		if len(rc.Command) > 0 {
			goBinary = rc.Command[0]
		}
		version := rc.Version
		if version == "" && rc.MinVersion != "" && !rc.Disabled {
			version = probeVersion(goBinary, "env", "GOVERSION")
		}
		var args []string
		if len(rc.Command) > 1 {
			args = rc.Command[1:]
		}
		return gotest.New(gotest.Config{
			Name:        name,
			Version:     version,
			GoBinary:    goBinary,
			Env:         rc.Env,
			Args:        args,
			GracePeriod: grace,
		}), nil
	case inprocess.TypeName:
		return inprocess.New(name, rc.Version), nil
	case browser.TypeName:
		serverURL, _ := rc.Params["serverUrl"].(string)
		return browser.New(name, rc.Version, strings.TrimSuffix(serverURL, "/"), r.config.Launchers[name]), nil
	case "":
		return nil, fmt.Errorf("type is required")
	default:
		return nil, fmt.Errorf("unknown type %q", rc.Type)
	}
}

// probeVersion runs the command and extracts the first x.y.z it prints.
func probeVersion(name string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), versionProbeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return ""
	}
	return ParseVersion(string(out))
}

// ParseVersion extracts the first x.y.z version in s.
func ParseVersion(s string) string {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return m[1]
}

func checkMinVersion(rt runtime.Runtime, minVersion string) error {
	if minVersion == "" {
		return nil
	}
	want := canonical(minVersion)
	if !semver.IsValid(want) {
		return fmt.Errorf("invalid minVersion %q", minVersion)
	}
	have := canonical(rt.Version())
	if !semver.IsValid(have) {
		return fmt.Errorf("version of %s is unknown, minVersion %s cannot be checked", rt.Name(), minVersion)
	}
	if semver.Compare(have, want) < 0 {
		return fmt.Errorf("%s version %s is below minVersion %s", rt.Name(), rt.Version(), minVersion)
	}
	return nil
}

func canonical(v string) string {
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// Runtime returns the runtime declared under name
func (r *Registry) Runtime(name string) (runtime.Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("runtime %q is not declared", name)
	}
	return rt, nil
}

// Disabled reports whether the runtime declared under name is turned off
func (r *Registry) Disabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.plan.Runtimes[name].Disabled
}

// Register adds or replaces a runtime built outside of the plan file
func (r *Registry) Register(name string, rt runtime.Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[name] = rt
	if _, ok := r.plan.Runtimes[name]; !ok {
		r.plan.Runtimes[name] = types.RuntimeConfig{Type: rt.Type(), Version: rt.Version()}
	}
}

// Names lists the declared runtimes
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedNames(r.runtimes)
}

// Plan returns the loaded plan file
func (r *Registry) Plan() *types.PlanFile {
	return r.plan
}

// GetConfig returns the registry configuration
func (r *Registry) GetConfig() Config {
	return r.config
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
