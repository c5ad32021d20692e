package vmlifecycle

import (
	"net"
	"os"

	"github.com/clawpot/clawpotd/internal/clawpoterr"
	"github.com/clawpot/clawpotd/internal/errx"
)

const (
	DefaultVcpuCount  = 1
	DefaultMemSizeMiB = 256
	minMemSizeMiB     = 128
)

// Config is the creation input. validate() fails
// before any side effect if a path is missing or sizes are out of range.
type Config struct {
	KernelPath string
	RootfsPath string
	VcpuCount  int
	MemSizeMiB int
	Cmdline    string

	// Optional network stanza.
	TapName     string
	IPv4Address net.IP

	// Optional host/guest datagram socket.
	GuestCID       uint32
	HostSocketPath string
}

// WithDefaults returns a copy of cfg with zero-valued fields defaulted.
func (cfg Config) WithDefaults() Config {
	if cfg.VcpuCount == 0 {
		cfg.VcpuCount = DefaultVcpuCount
	}
	if cfg.MemSizeMiB == 0 {
		cfg.MemSizeMiB = DefaultMemSizeMiB
	}
	if cfg.Cmdline == "" {
		cfg.Cmdline = "console=ttyS0 reboot=k panic=1 pci=off"
	}
	return cfg
}

// HasNetwork reports whether the optional network stanza is present.
func (cfg Config) HasNetwork() bool {
	return cfg.TapName != "" && cfg.IPv4Address != nil
}

// HasDatagramSocket reports whether the optional vsock stanza is present.
func (cfg Config) HasDatagramSocket() bool {
	return cfg.GuestCID != 0 && cfg.HostSocketPath != ""
}

// Validate checks the config before any side effect.
func (cfg Config) Validate() error {
	if cfg.KernelPath == "" {
		return errx.With(clawpoterr.ErrInvalidArgument, " kernel image path is required")
	}
	if _, err := os.Stat(cfg.KernelPath); err != nil {
		return errx.With(clawpoterr.ErrInvalidArgument, " kernel image %q: %v", cfg.KernelPath, err)
	}
	if cfg.RootfsPath == "" {
		return errx.With(clawpoterr.ErrInvalidArgument, " rootfs image path is required")
	}
	if _, err := os.Stat(cfg.RootfsPath); err != nil {
		return errx.With(clawpoterr.ErrInvalidArgument, " rootfs image %q: %v", cfg.RootfsPath, err)
	}
	if cfg.VcpuCount < 1 {
		return errx.With(clawpoterr.ErrInvalidArgument, " vcpu_count must be >= 1, got %d", cfg.VcpuCount)
	}
	if cfg.MemSizeMiB < minMemSizeMiB {
		return errx.With(clawpoterr.ErrInvalidArgument, " mem_size_mib must be >= %d, got %d", minMemSizeMiB, cfg.MemSizeMiB)
	}
	return nil
}
