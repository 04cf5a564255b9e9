package sandbox

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
)

const (
	defaultImage         = "inloop-tester"
	defaultTimeout       = 30 * time.Second
	defaultMemory        = "256m"
	defaultFSSize        = "32m"
	defaultOutputLimit   = 256 * 1024
	defaultFilesizeLimit = 1024 * 1024
	defaultTotalLimit    = 8 * 1024 * 1024
	defaultBuildTimeout  = 10 * time.Minute

	DefaultInputMount   = "/checker/input"
	DefaultOutputMount  = "/checker/output"
	DefaultScratchMount = "/checker/scratch"

	// StorageDir is the world-writable directory inside the output mount
	// whose files are collected after a run.
	StorageDir = "storage"
)

// Config holds the sandbox settings.
type Config struct {
	Image         string        `yaml:"image"`
	Timeout       time.Duration `yaml:"timeout"`
	Memory        string        `yaml:"memory"`
	FSSize        string        `yaml:"fssize"`
	OutputLimit   int64         `yaml:"outputLimit"`
	FilesizeLimit int64         `yaml:"filesizeLimit"`

	// TotalFilesizeLimit caps the combined size of all collected storage files.
	TotalFilesizeLimit int64 `yaml:"totalFilesizeLimit"`

	// ScratchRoot is the host directory per-run output directories are created in.
	ScratchRoot string `yaml:"scratchRoot"`
	User        string `yaml:"user"`
	PidsLimit   int64  `yaml:"pidsLimit"`

	InputMount   string `yaml:"inputMount"`
	OutputMount  string `yaml:"outputMount"`
	ScratchMount string `yaml:"scratchMount"`

	// BuildCommand replaces the Dockerfile build when set, e.g. "make image".
	BuildCommand string        `yaml:"buildCommand"`
	BuildTimeout time.Duration `yaml:"buildTimeout"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Image == "" {
		c.Image = defaultImage
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.Memory == "" {
		c.Memory = defaultMemory
	}
	if c.FSSize == "" {
		c.FSSize = defaultFSSize
	}
	if c.OutputLimit == 0 {
		c.OutputLimit = defaultOutputLimit
	}
	if c.FilesizeLimit == 0 {
		c.FilesizeLimit = defaultFilesizeLimit
	}
	if c.TotalFilesizeLimit == 0 {
		c.TotalFilesizeLimit = defaultTotalLimit
	}
	if c.InputMount == "" {
		c.InputMount = DefaultInputMount
	}
	if c.OutputMount == "" {
		c.OutputMount = DefaultOutputMount
	}
	if c.ScratchMount == "" {
		c.ScratchMount = DefaultScratchMount
	}
	if c.BuildTimeout == 0 {
		c.BuildTimeout = defaultBuildTimeout
	}
}

// MemoryBytes parses Memory ("256m", "1g", ...).
func (c Config) MemoryBytes() (int64, error) {
	n, err := units.RAMInBytes(c.Memory)
	if err != nil {
		return 0, fmt.Errorf("invalid sandbox memory %q: %w", c.Memory, err)
	}
	return n, nil
}

// FSSizeBytes parses FSSize.
func (c Config) FSSizeBytes() (int64, error) {
	n, err := units.RAMInBytes(c.FSSize)
	if err != nil {
		return 0, fmt.Errorf("invalid sandbox fssize %q: %w", c.FSSize, err)
	}
	return n, nil
}
