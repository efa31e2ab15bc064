// Package config loads the description of the simulated machine from the
// environment.
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/hnu-osdesign/kcore/kernel/mem"
	"github.com/hnu-osdesign/kcore/kernel/mem/pmm"
	"github.com/hnu-osdesign/kcore/kernel/mem/vmm"
)

// MaxCPUs is the largest number of simulated processors.
const MaxCPUs = 64

// Config describes the machine the kernel boots on.
type Config struct {
	// MemoryMap lists the usable physical memory areas as base:length
	// pairs.
	MemoryMap []pmm.MemoryArea `env:"KCORE_MEMORY_MAP" envDefault:"0x0:0x9fc00,0x100000:0x3f00000"`

	KernelStart  mem.PhysicalAddress `env:"KCORE_KERNEL_START"  envDefault:"0x100000"`
	KernelEnd    mem.PhysicalAddress `env:"KCORE_KERNEL_END"    envDefault:"0x200000"`
	KernelOffset mem.VirtualAddress  `env:"KCORE_KERNEL_OFFSET" envDefault:"0xffffffff80000000"`

	// TLSSize is the size of the initialized thread-local image and
	// TBSSSize the size of its zeroed tail.
	TLSSize  mem.Size `env:"KCORE_TLS_SIZE"  envDefault:"256"`
	TBSSSize mem.Size `env:"KCORE_TBSS_SIZE" envDefault:"4096"`

	CPUs  int  `env:"KCORE_CPUS"  envDefault:"2"`
	Debug bool `env:"KCORE_DEBUG"`

	UserGrantOffset mem.VirtualAddress `env:"KCORE_USER_GRANT_OFFSET" envDefault:"0x7f8000000000"`
}

// Parse reads the configuration from the environment.
func Parse() (Config, error) {
	config, err := env.ParseAsWithOptions[Config](env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(pmm.MemoryArea{}):       ParseMemoryArea,
			reflect.TypeOf(mem.PhysicalAddress(0)): parsePhysicalAddress,
			reflect.TypeOf(mem.VirtualAddress(0)):  parseVirtualAddress,
			reflect.TypeOf(mem.Size(0)):            parseSize,
		},
	})
	if err != nil {
		return Config{}, err
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

// Validate checks the values that cannot be expressed by the parser.
func (c Config) Validate() error {
	if c.CPUs < 1 || c.CPUs > MaxCPUs {
		return fmt.Errorf("KCORE_CPUS must be between 1 and %d, got %d", MaxCPUs, c.CPUs)
	}

	if c.KernelEnd < c.KernelStart {
		return fmt.Errorf("kernel image ends at %s before it starts at %s", c.KernelEnd, c.KernelStart)
	}

	if c.TLSSize+c.TBSSSize+8 > vmm.PerCPUSize {
		return fmt.Errorf("thread-local segment of %s does not fit in the per-CPU area", c.TLSSize+c.TBSSSize)
	}

	return nil
}

// ParseMemoryArea parses a memory area given as base:length. Both values
// accept the 0x prefix.
func ParseMemoryArea(value string) (interface{}, error) {
	base, length, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return nil, fmt.Errorf("memory area %q is not in base:length form", value)
	}

	baseAddr, err := strconv.ParseUint(base, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("memory area %q: invalid base: %w", value, err)
	}

	size, err := strconv.ParseUint(length, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("memory area %q: invalid length: %w", value, err)
	}

	return pmm.MemoryArea{Base: mem.PhysicalAddress(baseAddr), Length: mem.Size(size)}, nil
}

func parsePhysicalAddress(value string) (interface{}, error) {
	addr, err := strconv.ParseUint(value, 0, 64)
	return mem.PhysicalAddress(addr), err
}

func parseVirtualAddress(value string) (interface{}, error) {
	addr, err := strconv.ParseUint(value, 0, 64)
	return mem.VirtualAddress(addr), err
}

func parseSize(value string) (interface{}, error) {
	size, err := strconv.ParseUint(value, 0, 64)
	return mem.Size(size), err
}
