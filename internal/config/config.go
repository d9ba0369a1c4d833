package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/c2h5oh/datasize"
)

// Load reads and validates an fch.toml configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks each present section for correctness.
func Validate(cfg *Config) error {
	if cfg.Rootfs != nil {
		if err := validateRootfs(cfg.Rootfs); err != nil {
			return err
		}
	}
	if cfg.Kernel != nil {
		if err := validateKernel(cfg.Kernel); err != nil {
			return err
		}
	}
	if cfg.Network != nil {
		if err := validateNetwork(cfg.Network); err != nil {
			return err
		}
	}
	return nil
}

func validateRootfs(r *RootfsConfig) error {
	if r.Image != "" && r.Dockerfile != "" {
		return fmt.Errorf("[rootfs] image and dockerfile are mutually exclusive")
	}
	if r.Margin != "" {
		if _, err := ParseMargin(r.Margin); err != nil {
			return fmt.Errorf("[rootfs] invalid margin %q: %w", r.Margin, err)
		}
	}
	return nil
}

func validateKernel(k *KernelConfig) error {
	if k.SHA256 != "" {
		h := strings.TrimPrefix(k.SHA256, "sha256:")
		if len(h) != 64 {
			return fmt.Errorf("[kernel] sha256 must be 64 hex characters, got %d", len(h))
		}
	}
	return nil
}

func validateNetwork(n *NetworkConfig) error {
	if n.Address != "" {
		if _, _, err := net.ParseCIDR(n.Address); err != nil {
			return fmt.Errorf("[network] invalid address %q: %w", n.Address, err)
		}
	}
	return nil
}

// ParseMargin parses a human-readable size ("512MB", "1GB") into bytes.
// Plain integers are taken as bytes.
func ParseMargin(s string) (uint64, error) {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return v.Bytes(), nil
}
