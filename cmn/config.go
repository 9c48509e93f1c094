package cmn

import (
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/lissandra-db/lissandra/cmn/xerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config is the on-disk `.cfg` shape loaded by every node binary
// (spec §6: "All nodes accept a config file path, default
// res/<node>.cfg"). Fields are a superset; each node only reads the
// ones relevant to it, matching the original's per-node .cfg files.
type Config struct {
	// common
	Password          string `json:"password"`
	NumWorkers        uint16 `json:"numWorkers"`
	GossipIntervalMs  uint32 `json:"gossipIntervalMs"`
	MetaRefreshMs     uint32 `json:"metaRefreshMs"`
	ValidationTimeout uint32 `json:"validationTimeoutSec"`
	ListenIP          string `json:"ip"`
	ListenPort        uint16 `json:"port"`
	MetricsPort       uint16 `json:"metricsPort"`

	// gossip seed list: KER seeds its mempool-discovery walk with these;
	// MEM seeds its peer-gossip walk with the same list.
	MemSeeds []Seed `json:"memSeeds"`

	// MEM-only
	MemNumber         uint16 `json:"memNumber"`
	MemorySize        uint32 `json:"memorySize"`
	ValueSize         uint16 `json:"valueSize"`
	DelayMemMs        uint32 `json:"delayMemMs"`
	JournalIntervalMs uint32 `json:"journalIntervalMs"`
	LfsIP             string `json:"lfsIp"`
	LfsPort           uint16 `json:"lfsPort"`

	// KER-only
	Quantum    uint8  `json:"quantum"`    // max LQL script lines run per wake-up before yielding (spec §4.11).
	DelayRunMs uint32 `json:"delayRunMs"` // delay between consecutive script lines.

	// LFS-only
	RootDir         string `json:"rootDir"`
	BlocksCount     uint32 `json:"blocksCount"`
	BlockSize       uint32 `json:"blockSize"`
	DelayDiskMs     uint32 `json:"delayDiskMs"`
	DumpIntervalMs  uint32 `json:"dumpIntervalMs"`
}

type Seed struct {
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

// Reloadable keys (spec §6): journal interval, gossip interval, and
// per-access delays. No node watches or re-reads its config file, so
// these, like every other key, take effect only at start-up.
type Reloadable struct {
	GossipIntervalMs  uint32
	JournalIntervalMs uint32
	DelayMemMs        uint32
	DelayDiskMs       uint32
}

func (c *Config) Reloadable() Reloadable {
	return Reloadable{
		GossipIntervalMs:  c.GossipIntervalMs,
		JournalIntervalMs: c.JournalIntervalMs,
		DelayMemMs:        c.DelayMemMs,
		DelayDiskMs:       c.DelayDiskMs,
	}
}

// Load decodes a .cfg file. Missing file or malformed JSON is a fatal
// configuration error at init (§7 "Configuration errors").
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, xerr.New(xerr.KindConfig, errors.Wrapf(err, "reading config %s", path))
	}
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, xerr.New(xerr.KindConfig, errors.Wrapf(err, "parsing config %s", path))
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.Password != "" && (len(c.Password) < 12 || len(c.Password) > 32) {
		return xerr.Newf(xerr.KindConfig, "password length must be within [12,32], got %d", len(c.Password))
	}
	if c.NumWorkers == 0 {
		c.NumWorkers = 4
	}
	if c.GossipIntervalMs == 0 {
		c.GossipIntervalMs = 5000
	}
	if c.MetaRefreshMs == 0 {
		c.MetaRefreshMs = 10000
	}
	if c.ValidationTimeout == 0 {
		c.ValidationTimeout = 5
	}
	if c.Quantum == 0 {
		c.Quantum = 10
	}
	return nil
}

// GossipInterval etc. convenience accessors in time.Duration form.
func (c *Config) GossipInterval() time.Duration {
	return time.Duration(c.GossipIntervalMs) * time.Millisecond
}

func (c *Config) JournalInterval() time.Duration {
	return time.Duration(c.JournalIntervalMs) * time.Millisecond
}

func (c *Config) DelayMem() time.Duration {
	return time.Duration(c.DelayMemMs) * time.Millisecond
}

func (c *Config) DelayDisk() time.Duration {
	return time.Duration(c.DelayDiskMs) * time.Millisecond
}

func (c *Config) DumpInterval() time.Duration {
	return time.Duration(c.DumpIntervalMs) * time.Millisecond
}

func (c *Config) DelayRun() time.Duration {
	return time.Duration(c.DelayRunMs) * time.Millisecond
}
