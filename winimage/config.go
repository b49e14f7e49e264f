package winimage

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// HexUint64 accepts yaml integers written either as plain numbers or as
// 0x-prefixed strings, which is how analysts record kernel addresses.
type HexUint64 uint64

func (h *HexUint64) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", v, err)
		}
		*h = HexUint64(n)
	case int:
		*h = HexUint64(v)
	case int64:
		*h = HexUint64(v)
	case uint64:
		*h = HexUint64(v)
	default:
		return fmt.Errorf("invalid address value %v (%T)", raw, raw)
	}
	return nil
}

type ProfileConfig struct {
	Major   int `yaml:"major"`
	Minor   int `yaml:"minor"`
	Build   int `yaml:"build"`
	Bitness int `yaml:"bitness"`
}

type ModuleConfig struct {
	Name string `yaml:"name"`
	Base HexUint64 `yaml:"base"`
	Size HexUint64 `yaml:"size"`
	// Exports maps symbol name to RVA; when absent the export directory is
	// parsed from the image instead.
	Exports map[string]HexUint64 `yaml:"exports,omitempty"`
}

// Config describes one analysis run: the OS profile, where the image slab
// maps into the virtual address space, the loaded-module snapshot, and the
// optional overrides that skip signature scanning.
type Config struct {
	Profile      ProfileConfig  `yaml:"profile"`
	ImageBase    HexUint64      `yaml:"image_base"`
	Modules      []ModuleConfig `yaml:"modules"`
	DebuggerData HexUint64      `yaml:"debugger_data,omitempty"`
	TimerTable   HexUint64      `yaml:"timer_table,omitempty"`
}

func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var conf Config
	if err := yaml.Unmarshal(buf, &conf); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &conf, nil
}

func (c *Config) OSProfile() (Profile, error) {
	switch c.Profile.Bitness {
	case 32, 64:
	default:
		return Profile{}, fmt.Errorf("profile bitness must be 32 or 64, got %d", c.Profile.Bitness)
	}
	return Profile{
		Major:   c.Profile.Major,
		Minor:   c.Profile.Minor,
		Build:   c.Profile.Build,
		Is64Bit: c.Profile.Bitness == 64,
	}, nil
}

// BuildModules materializes the config's module snapshot against an image.
func (c *Config) BuildModules(mem Memory, prof Profile) *ModuleList {
	mods := make([]*Module, 0, len(c.Modules))
	for _, mc := range c.Modules {
		var exports map[string]uint32
		if mc.Exports != nil {
			exports = make(map[string]uint32, len(mc.Exports))
			for name, rva := range mc.Exports {
				exports[name] = uint32(rva)
			}
		}
		mods = append(mods, NewModule(mc.Name, uint64(mc.Base), uint64(mc.Size), mem, exports))
	}
	return NewModuleList(prof, mods...)
}
