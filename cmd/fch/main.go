package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nulvox/firecracker-helpers/internal/builder"
	"github.com/nulvox/firecracker-helpers/internal/config"
	"github.com/nulvox/firecracker-helpers/internal/kernel"
	"github.com/nulvox/firecracker-helpers/internal/logging"
	"github.com/nulvox/firecracker-helpers/internal/manifest"
	"github.com/nulvox/firecracker-helpers/internal/network"
	"github.com/nulvox/firecracker-helpers/internal/runtime"
	"github.com/nulvox/firecracker-helpers/internal/server"
)

var (
	// Version information - set via ldflags during build
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"

	// Global flags
	verbose bool
	quiet   bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fch",
		Short: "Firecracker helpers",
		Long: `fch is a helper suite for running lightweight VMs with Firecracker.

It turns container images or Dockerfiles into bootable ext4 root
filesystems with SSH access provisioned, fetches prebuilt guest kernels
from the Firecracker CI bucket, and manages the host bridge/tap devices
that back microVM networking.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.InitLogger(verbose, quiet)
		},
	}

	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output with debug details")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (minimal output, errors only)")

	rootCmd.AddCommand(newVersionCommand())
	rootCmd.AddCommand(newRootfsCommand())
	rootCmd.AddCommand(newKernelCommand())
	rootCmd.AddCommand(newNetworkCommand())
	rootCmd.AddCommand(newBuildsCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fch version %s\n", version)
			fmt.Printf("  build date: %s\n", buildDate)
			fmt.Printf("  git commit: %s\n", gitCommit)
		},
	}
}

func newRootfsCommand() *cobra.Command {
	var (
		configPath string
		imageRef   string
		dockerfile string
		contextDir string
		outputPath string
		margin     string
	)

	cmd := &cobra.Command{
		Use:   "rootfs [IMAGE]",
		Short: "Build a bootable ext4 root filesystem from a container image or Dockerfile",
		Long: `Build a bootable ext4 root filesystem image.

The source is either a container image reference or a Dockerfile; exactly
one must be given. The resulting image has an SSH daemon and a serial
console enabled, and a root key pair is left next to the image for the
caller.

Examples:
  # Build from a registry image
  sudo fch rootfs alpine:latest

  # Build from a Dockerfile with extra headroom
  sudo fch rootfs --dockerfile ./Dockerfile --margin 1GB

  # Read the source from fch.toml
  sudo fch rootfs --config fch.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if imageRef != "" && imageRef != args[0] {
					return fmt.Errorf("image specified multiple times with differing values")
				}
				imageRef = args[0]
			}

			req := builder.Request{
				ImageRef:   imageRef,
				Dockerfile: dockerfile,
				ContextDir: contextDir,
				OutputPath: outputPath,
				Quiet:      quiet,
			}
			if err := applyRootfsConfig(configPath, &req, &margin); err != nil {
				return err
			}

			if margin == "" {
				margin = config.DefaultMargin
			}
			marginBytes, err := config.ParseMargin(margin)
			if err != nil {
				return fmt.Errorf("invalid margin %q: %w", margin, err)
			}
			req.MarginBytes = marginBytes

			return runRootfsBuild(req)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to fch.toml configuration file")
	cmd.Flags().StringVarP(&imageRef, "image", "i", "", "container image reference (alternative to positional argument)")
	cmd.Flags().StringVar(&dockerfile, "dockerfile", "", "path to Dockerfile to build the source image from")
	cmd.Flags().StringVar(&contextDir, "context", "", "build context directory (default: directory containing the Dockerfile)")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output image path (default: derived from the source)")
	cmd.Flags().StringVar(&margin, "margin", "", "free space added beyond content size (default: "+config.DefaultMargin+")")

	return cmd
}

// applyRootfsConfig fills unset request fields from the [rootfs] section.
// Flags always win over the file.
func applyRootfsConfig(configPath string, req *builder.Request, margin *string) error {
	if configPath == "" {
		return nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Rootfs == nil {
		return nil
	}
	if req.ImageRef == "" && req.Dockerfile == "" {
		req.ImageRef = cfg.Rootfs.Image
		req.Dockerfile = cfg.Rootfs.Dockerfile
	}
	if req.ContextDir == "" {
		req.ContextDir = cfg.Rootfs.Context
	}
	if req.OutputPath == "" {
		req.OutputPath = cfg.Rootfs.Output
	}
	if *margin == "" {
		*margin = cfg.Rootfs.Margin
	}
	return nil
}

func runRootfsBuild(req builder.Request) error {
	ctx, cancel := setupSignalHandling()
	defer cancel()

	if os.Geteuid() != 0 {
		logging.Error("Building a rootfs image requires root privileges (mount, systemd-nspawn)")
		return fmt.Errorf("must run as root (use sudo)")
	}

	rt, err := runtime.Connect(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := builder.NewRootfsBuilder(rt, req).Build(ctx)
	if err != nil {
		return err
	}

	recordBuild(res)

	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
	}

	logging.Info("✓ Rootfs build complete",
		"output", res.OutputPath,
		"key", res.PrivateKeyPath,
		"size", humanize.IBytes(res.Plan.TotalBytes),
		"duration", res.Duration.Round(time.Millisecond))
	return nil
}

// recordBuild appends the result to the local build ledger. Ledger trouble
// never fails a build that already produced its artifact.
func recordBuild(res *builder.Result) {
	path, err := manifest.DefaultPath()
	if err != nil {
		logging.Warn("Skipping build ledger", "error", err)
		return
	}
	store, err := manifest.Open(path)
	if err != nil {
		logging.Warn("Skipping build ledger", "error", err)
		return
	}
	defer store.Close()

	err = store.Append(manifest.Record{
		Image:        res.Image,
		Output:       res.OutputPath,
		PrivateKey:   res.PrivateKeyPath,
		Guest:        string(res.Guest),
		ContentBytes: res.Plan.ContentBytes,
		TotalBytes:   res.Plan.TotalBytes,
		Warnings:     len(res.Warnings),
	})
	if err != nil {
		logging.Warn("Failed to record build", "error", err)
	}
}

func newKernelCommand() *cobra.Command {
	var (
		configPath string
		opts       kernel.Options
	)

	cmd := &cobra.Command{
		Use:   "kernel",
		Short: "Download a prebuilt guest kernel from the Firecracker CI bucket",
		Long: `Download an uncompressed guest kernel (vmlinux) from the Firecracker CI
artifact bucket, picking the most recently published build that matches
the requested version and architecture.

Examples:
  # Newest 5.10 kernel for the host architecture
  fch kernel --version 5.10

  # Specific architecture, verified against a known digest
  fch kernel --version 6.1 --arch aarch64 --sha256 <digest>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				if cfg.Kernel != nil {
					applyKernelConfig(cfg.Kernel, &opts)
				}
			}
			if opts.BucketURL == "" {
				opts.BucketURL = config.DefaultBucketURL
			}
			if opts.Prefix == "" {
				opts.Prefix = config.DefaultPrefix
			}
			if opts.OutputPath == "" {
				opts.OutputPath = "vmlinux"
			}
			opts.Quiet = quiet

			art, err := kernel.Fetch(opts)
			if err != nil {
				return err
			}
			logging.Info("✓ Kernel downloaded",
				"key", art.Key,
				"output", opts.OutputPath,
				"size", humanize.IBytes(uint64(art.Size)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to fch.toml configuration file")
	cmd.Flags().StringVar(&opts.BucketURL, "bucket-url", "", "artifact bucket endpoint (default: "+config.DefaultBucketURL+")")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "bucket key prefix to search (default: "+config.DefaultPrefix+")")
	cmd.Flags().StringVar(&opts.Version, "version", "", "kernel version to match, e.g. 5.10 (default: newest)")
	cmd.Flags().StringVar(&opts.Arch, "arch", "", "target architecture (default: host)")
	cmd.Flags().StringVarP(&opts.OutputPath, "output", "o", "", "output path (default: vmlinux)")
	cmd.Flags().StringVar(&opts.SHA256, "sha256", "", "expected SHA256 digest of the kernel")

	return cmd
}

func applyKernelConfig(cfg *config.KernelConfig, opts *kernel.Options) {
	if opts.BucketURL == "" {
		opts.BucketURL = cfg.BucketURL
	}
	if opts.Prefix == "" {
		opts.Prefix = cfg.Prefix
	}
	if opts.Version == "" {
		opts.Version = cfg.Version
	}
	if opts.Arch == "" {
		opts.Arch = cfg.Arch
	}
	if opts.OutputPath == "" {
		opts.OutputPath = cfg.Output
	}
	if opts.SHA256 == "" {
		opts.SHA256 = cfg.SHA256
	}
}

func newNetworkCommand() *cobra.Command {
	var (
		configPath string
		opts       network.Options
	)

	cmd := &cobra.Command{
		Use:   "network",
		Short: "Manage the host bridge and tap devices for microVM networking",
	}

	resolve := func() error {
		if configPath != "" {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Network != nil {
				if opts.Bridge == "" {
					opts.Bridge = cfg.Network.Bridge
				}
				if opts.Tap == "" {
					opts.Tap = cfg.Network.Tap
				}
				if opts.Address == "" {
					opts.Address = cfg.Network.Address
				}
			}
		}
		if opts.Bridge == "" {
			opts.Bridge = config.DefaultBridge
		}
		if opts.Tap == "" {
			opts.Tap = config.DefaultTap
		}
		if opts.Address == "" {
			opts.Address = config.DefaultAddress
		}
		if os.Geteuid() != 0 {
			return fmt.Errorf("network changes require root (use sudo)")
		}
		return nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Create the bridge and tap devices and bring them up",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolve(); err != nil {
				return err
			}
			return network.Up(opts)
		},
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Remove the tap and bridge devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolve(); err != nil {
				return err
			}
			return network.Down(opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to fch.toml configuration file")
	cmd.PersistentFlags().StringVar(&opts.Bridge, "bridge", "", "bridge device name (default: "+config.DefaultBridge+")")
	cmd.PersistentFlags().StringVar(&opts.Tap, "tap", "", "tap device name (default: "+config.DefaultTap+")")
	cmd.PersistentFlags().StringVar(&opts.Address, "address", "", "bridge address in CIDR form (default: "+config.DefaultAddress+")")

	cmd.AddCommand(upCmd)
	cmd.AddCommand(downCmd)

	return cmd
}

func newBuildsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "builds",
		Short: "List previously built rootfs images",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := manifest.DefaultPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Println("No builds recorded yet.")
				return nil
			}

			store, err := manifest.Open(path)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List()
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No builds recorded yet.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tIMAGE\tGUEST\tSIZE\tOUTPUT")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					humanize.Time(rec.CreatedAt),
					rec.Image,
					rec.Guest,
					humanize.IBytes(rec.TotalBytes),
					rec.Output)
			}
			return w.Flush()
		},
	}
}

func newServeCommand() *cobra.Command {
	var (
		addr   string
		apiKey string
		cors   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the rootfs builder in HTTP daemon mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := setupSignalHandling()
			defer cancel()

			if os.Geteuid() != 0 {
				return fmt.Errorf("daemon mode builds images and requires root (use sudo)")
			}

			if addr == "" {
				if v := os.Getenv("FCH_ADDR"); v != "" {
					addr = v
				} else {
					addr = "127.0.0.1:7071"
				}
			}
			if apiKey == "" {
				apiKey = os.Getenv("FCH_API_KEY")
			}
			origins := []string{}
			if cors == "" {
				cors = os.Getenv("FCH_CORS_ORIGINS")
			}
			if cors != "" {
				for _, p := range strings.Split(cors, ",") {
					p = strings.TrimSpace(p)
					if p != "" {
						origins = append(origins, p)
					}
				}
			}

			opts := server.Options{Addr: addr, APIKey: apiKey, CORSOrigins: origins}
			logging.Info("Starting fch serve", "addr", opts.Addr)

			buildFn := func(ctx context.Context, req builder.Request) (*builder.Result, error) {
				rt, err := runtime.Connect(ctx)
				if err != nil {
					return nil, err
				}
				defer rt.Close()

				res, err := builder.NewRootfsBuilder(rt, req).Build(ctx)
				if err != nil {
					return nil, err
				}
				recordBuild(res)
				return res, nil
			}

			return server.Start(ctx, opts, buildFn)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "address to bind (default 127.0.0.1:7071 or FCH_ADDR)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key required for requests (or FCH_API_KEY)")
	cmd.Flags().StringVar(&cors, "cors-origins", "", "comma-separated allowed CORS origins (or FCH_CORS_ORIGINS)")

	return cmd
}

// setupSignalHandling configures graceful shutdown on SIGINT/SIGTERM.
func setupSignalHandling() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logging.Warn("Received signal, initiating graceful shutdown", "signal", sig)
		cancel()
	}()

	return ctx, cancel
}
