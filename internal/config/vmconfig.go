package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// VMConfig is the VM description loaded from vm.json in the root directory.
// Only the machine shape the backends honor is modeled; keys written by other
// tooling (hypervisor identity blobs, console settings) are ignored.
type VMConfig struct {
	CPUs     int `json:"cpus"`
	MemoryMB int `json:"memory_mb"`

	// Kernel is the kernel image path, for backends that boot one directly.
	Kernel string `json:"kernel,omitempty"`

	Storage []VMStorage `json:"storage,omitempty"`
}

// VMStorage is one disk attachment.
type VMStorage struct {
	Type string `json:"type"`
	File string `json:"file"`
}

// LoadVMConfig reads and validates the VM description at path.
func LoadVMConfig(path string) (*VMConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vm config: %w", err)
	}

	var cfg VMConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse vm config: %w", err)
	}

	if cfg.CPUs <= 0 {
		return nil, fmt.Errorf("vm config: cpus must be positive, got %d", cfg.CPUs)
	}
	if cfg.MemoryMB <= 0 {
		return nil, fmt.Errorf("vm config: memory_mb must be positive, got %d", cfg.MemoryMB)
	}

	return &cfg, nil
}
