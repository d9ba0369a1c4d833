// Package config provides parsing and validation for fch.toml, the config
// template shared by the rootfs builder, the kernel fetcher, and the
// network tool.
package config

// Config represents the complete fch.toml configuration. Every section is
// optional; the tools fall back to flags and built-in defaults.
type Config struct {
	Rootfs  *RootfsConfig  `toml:"rootfs,omitempty"`
	Kernel  *KernelConfig  `toml:"kernel,omitempty"`
	Network *NetworkConfig `toml:"network,omitempty"`
}

// RootfsConfig configures the rootfs image builder.
type RootfsConfig struct {
	// Exactly one of Image and Dockerfile may be set.
	Image      string `toml:"image,omitempty"`
	Dockerfile string `toml:"dockerfile,omitempty"`
	Context    string `toml:"context,omitempty"`
	Output     string `toml:"output,omitempty"`
	// Margin accepts human-readable sizes ("512MB", "1GB").
	Margin string `toml:"margin,omitempty"`
}

// KernelConfig configures the CI kernel fetcher.
type KernelConfig struct {
	BucketURL string `toml:"bucket_url,omitempty"`
	Prefix    string `toml:"prefix,omitempty"`
	Version   string `toml:"version,omitempty"`
	Arch      string `toml:"arch,omitempty"`
	Output    string `toml:"output,omitempty"`
	SHA256    string `toml:"sha256,omitempty"`
}

// NetworkConfig configures the bridge/tap provisioning tool.
type NetworkConfig struct {
	Bridge  string `toml:"bridge,omitempty"`
	Tap     string `toml:"tap,omitempty"`
	Address string `toml:"address,omitempty"`
}

// Defaults shared by the tools.
const (
	DefaultMargin    = "512MB"
	DefaultBucketURL = "https://spec.ccfc.min.s3.amazonaws.com"
	DefaultPrefix    = "firecracker-ci/"
	DefaultBridge    = "fcbr0"
	DefaultTap       = "fctap0"
	DefaultAddress   = "172.16.0.1/24"
)
