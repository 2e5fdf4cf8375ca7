// Package config parses the runtime bootstrap config file: host-scheduler
// parameters (max/guaranteed/spinning cores, interface name), bind IP, lpid
// hint, and pressure-handler cadences.
package config

import (
	"fmt"
	"os"
	"time"

	units "github.com/docker/go-units"
	"github.com/hashicorp/hcl"
	"github.com/hashicorp/hcl/hcl/ast"
	mapstructure "github.com/go-viper/mapstructure/v2"
)

// HostScheduler mirrors the config file's host-scheduler block.
type HostScheduler struct {
	MaxCores       int    `hcl:"max_cores" mapstructure:"max_cores"`
	GuaranteedCores int   `hcl:"guaranteed_cores" mapstructure:"guaranteed_cores"`
	SpinningCores  int    `hcl:"spinning_cores" mapstructure:"spinning_cores"`
	Interface      string `hcl:"interface" mapstructure:"interface"`
}

// Pressure carries the pressure-handler cadence and threshold tunables,
// plus the host congestion thresholds iokernel.New wants.
type Pressure struct {
	MinProcletsOnCPUPressure int    `hcl:"min_proclets_on_cpu_pressure" mapstructure:"min_proclets_on_cpu_pressure"`
	RankingCadenceHCL        string `hcl:"ranking_cadence" mapstructure:"ranking_cadence"`
	PollIntervalHCL          string `hcl:"poll_interval" mapstructure:"poll_interval"`
	CPUPressureThreshold     float64 `hcl:"cpu_pressure_threshold" mapstructure:"cpu_pressure_threshold"`
	// LowMemThreshold accepts human byte sizes ("512MB") via docker/go-units.
	LowMemThreshold string `hcl:"low_mem_threshold" mapstructure:"low_mem_threshold"`

	RankingCadence time.Duration `hcl:"-" mapstructure:"-"`
	PollInterval   time.Duration `hcl:"-" mapstructure:"-"`
	LowMemThresholdMBs uint32    `hcl:"-" mapstructure:"-"`
}

// Config is the parsed form of the runtime bootstrap config file.
type Config struct {
	// BindIP is overridable by the --ip CLI flag (cmd/procletd).
	BindIP string `hcl:"bind_ip" mapstructure:"bind_ip"`
	// RPCPort is the port ConnectionManager/RPC Server listen on.
	RPCPort int `hcl:"rpc_port" mapstructure:"rpc_port"`
	// MigratorPort is the port the migrator-protocol yamux listener binds.
	MigratorPort int `hcl:"migrator_port" mapstructure:"migrator_port"`
	// ControllerAddr is where this node's ControllerClient dials the
	// cluster controller. Empty on the node that *is* the controller.
	ControllerAddr string `hcl:"controller_addr" mapstructure:"controller_addr"`
	// LpidHint is the --lpid flag's config-file equivalent; zero means
	// "assign a fresh lpid."
	LpidHint uint64 `hcl:"lpid_hint" mapstructure:"lpid_hint"`
	// NumShards sizes the per-proclet RCU and the per-core
	// connection/stack caches.
	NumShards int `hcl:"num_shards" mapstructure:"num_shards"`
	// NumStacksPerCluster sizes this node's per-lpid StackAllocator
	// cluster.
	NumStacksPerCluster int `hcl:"num_stacks_per_cluster" mapstructure:"num_stacks_per_cluster"`

	HostScheduler HostScheduler `hcl:"host_scheduler" mapstructure:"host_scheduler"`
	Pressure      Pressure      `hcl:"pressure" mapstructure:"pressure"`
	Gossip        Gossip        `hcl:"gossip" mapstructure:"gossip"`
}

// Gossip carries the memberlist cluster settings for the node hosting the
// controller; other nodes ignore this block entirely.
type Gossip struct {
	// BindPort is the memberlist UDP/TCP bind port.
	BindPort int `hcl:"bind_port" mapstructure:"bind_port"`
	// Join lists seed addresses ("ip:port") to contact when joining an
	// existing gossip cluster. Empty on the first node of a cluster.
	Join []string `hcl:"join" mapstructure:"join"`
}

// defaults applied to zero-valued fields after parse; there is no
// profile/merge layering, just a single config file and these fallbacks.
func (c *Config) applyDefaults() {
	if c.RPCPort == 0 {
		c.RPCPort = 7100
	}
	if c.MigratorPort == 0 {
		c.MigratorPort = 7101
	}
	if c.NumShards == 0 {
		c.NumShards = 8
	}
	if c.NumStacksPerCluster == 0 {
		c.NumStacksPerCluster = 4096
	}
	if c.Pressure.RankingCadenceHCL == "" {
		c.Pressure.RankingCadenceHCL = "100ms"
	}
	if c.Pressure.PollIntervalHCL == "" {
		c.Pressure.PollIntervalHCL = "20ms"
	}
	if c.Pressure.CPUPressureThreshold == 0 {
		c.Pressure.CPUPressureThreshold = 0.85
	}
	if c.Pressure.LowMemThreshold == "" {
		c.Pressure.LowMemThreshold = "512MB"
	}
	if c.Gossip.BindPort == 0 {
		c.Gossip.BindPort = 7102
	}
}

// resolveDurations parses the HCL-string duration/byte-size fields into
// their typed counterparts: a second pass over fields HCL can only give us
// as strings or human byte sizes.
func (c *Config) resolveDurations() error {
	d, err := time.ParseDuration(c.Pressure.RankingCadenceHCL)
	if err != nil {
		return fmt.Errorf("config: invalid pressure.ranking_cadence %q: %w", c.Pressure.RankingCadenceHCL, err)
	}
	c.Pressure.RankingCadence = d

	d, err = time.ParseDuration(c.Pressure.PollIntervalHCL)
	if err != nil {
		return fmt.Errorf("config: invalid pressure.poll_interval %q: %w", c.Pressure.PollIntervalHCL, err)
	}
	c.Pressure.PollInterval = d

	bytes, err := units.RAMInBytes(c.Pressure.LowMemThreshold)
	if err != nil {
		return fmt.Errorf("config: invalid pressure.low_mem_threshold %q: %w", c.Pressure.LowMemThreshold, err)
	}
	c.Pressure.LowMemThresholdMBs = uint32(bytes / (1 << 20))
	return nil
}

// Parse decodes an HCL config file's bytes into a Config: hcl.Parse into an
// *ast.File, then a mapstructure decode (with a weakly-typed input hook,
// since HCL numbers arrive as either int or float64 depending on literal
// form) into the typed struct.
func Parse(data []byte) (*Config, error) {
	root, err := hcl.Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse hcl: %w", err)
	}
	if o := root.Node.(*ast.ObjectList); len(o.Items) == 0 {
		return nil, fmt.Errorf("config: empty config file")
	}

	var raw map[string]interface{}
	if err := hcl.DecodeObject(&raw, root); err != nil {
		return nil, fmt.Errorf("config: decode hcl object: %w", err)
	}

	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("config: build decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("config: decode into Config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.resolveDurations(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads and parses the config file at the `<config-path>` CLI
// argument.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}
