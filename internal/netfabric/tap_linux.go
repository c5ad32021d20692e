package netfabric

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"unsafe"

	"github.com/clawpot/clawpotd/internal/errx"
	"golang.org/x/sys/unix"
)

const (
	tunPath  = "/dev/net/tun"
	ifNameSz = 16
)

// ifreqFlags mirrors struct ifreq's name+flags prefix, the only part
// TUNSETIFF needs. Go's golang.org/x/sys/unix does not expose a TAP-aware
// ifreq, so it is built by hand the same way the C header lays it out.
type ifreqFlags struct {
	name  [ifNameSz]byte
	flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

// Tap is an open host-side TAP device, one per VM.
type Tap struct {
	Name string
	file *os.File
}

// CreateTap opens /dev/net/tun, requests a TAP interface named name
// (IFF_TAP|IFF_NO_PI so frames carry no packet-info prefix; the interface
// is not made persistent), assigns
// ipv4/24 to it, brings it up and attaches it to the shared bridge.
func CreateTap(name string, ipv4 net.IP) (*Tap, error) {
	f, err := os.OpenFile(tunPath, os.O_RDWR, 0)
	if err != nil {
		return nil, errx.Wrap(ErrTAPCreate, err)
	}

	var req ifreqFlags
	copy(req.name[:], name)
	req.flags = unix.IFF_TAP | unix.IFF_NO_PI

	if err := ioctl(f.Fd(), unix.TUNSETIFF, uintptr(unsafe.Pointer(&req))); err != nil {
		f.Close()
		return nil, errx.Wrap(ErrTAPCreate, err)
	}

	tap := &Tap{Name: name, file: f}

	if err := configureLink(name, ipv4); err != nil {
		tap.Close()
		return nil, err
	}
	if err := AttachTap(name); err != nil {
		tap.Close()
		return nil, err
	}

	return tap, nil
}

func configureLink(name string, ipv4 net.IP) error {
	addr := fmt.Sprintf("%s/24", ipv4.String())
	if out, err := exec.Command("ip", "addr", "add", addr, "dev", name).CombinedOutput(); err != nil {
		return errx.With(ErrTAPConfigure, " assign %s to %s: %v: %s", addr, name, err, out)
	}
	if out, err := exec.Command("ip", "link", "set", name, "up").CombinedOutput(); err != nil {
		return errx.With(ErrTAPConfigure, " bring up %s: %v: %s", name, err, out)
	}
	return nil
}

// Fd returns the open TAP file descriptor.
func (t *Tap) Fd() uintptr {
	return t.file.Fd()
}

// Close releases the host-side file descriptor. The TAP is not
// persistent, so the kernel also removes the interface once its last
// descriptor is closed; DeleteTap removes it by name.
func (t *Tap) Close() error {
	if t.file == nil {
		return nil
	}
	return t.file.Close()
}

// DeleteTap removes the kernel network interface. Best-effort: the
// interface may already be gone if the hypervisor child crashed first.
func DeleteTap(name string) error {
	out, err := exec.Command("ip", "link", "del", name).CombinedOutput()
	if err != nil {
		if linkExists(name) {
			return errx.With(ErrTAPDelete, " %s: %v: %s", name, err, out)
		}
	}
	return nil
}

func ioctl(fd uintptr, req uint, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}
