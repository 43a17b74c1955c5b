package infra

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/eliteGoblin/rootd/internal/domain"
)

// fileID is the device+inode pair identifying an executable image.
type fileID struct {
	dev uint64
	ino uint64
}

func statID(path string) (fileID, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fileID{}, err
	}
	return fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}, nil
}

// CredentialGate implements domain.CredentialReader with kernel-provided
// peer credentials. Nothing the client sends is consulted.
type CredentialGate struct {
	procRoot string
	self     fileID
}

// NewCredentialGate captures the daemon's own executable identity from
// <procRoot>/self/exe.
func NewCredentialGate(procRoot string) (*CredentialGate, error) {
	return NewCredentialGateWithSelf(procRoot, filepath.Join(procRoot, "self", "exe"))
}

// NewCredentialGateWithSelf uses selfExe as the reference image (for testing).
func NewCredentialGateWithSelf(procRoot, selfExe string) (*CredentialGate, error) {
	id, err := statID(selfExe)
	if err != nil {
		return nil, fmt.Errorf("stat self exe: %w", err)
	}
	return &CredentialGate{procRoot: procRoot, self: id}, nil
}

// Classify reads SO_PEERCRED and SO_PEERSEC from the connection.
func (g *CredentialGate) Classify(conn net.Conn) (domain.Caller, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return domain.Caller{}, fmt.Errorf("%w: not a socket", domain.ErrDisconnected)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return domain.Caller{}, fmt.Errorf("%w: %v", domain.ErrDisconnected, err)
	}

	var (
		cred    *unix.Ucred
		credErr error
		secCtx  string
	)
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if credErr != nil {
			return
		}
		// No LSM label is reported on kernels without SELinux.
		if s, err := unix.GetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_PEERSEC); err == nil {
			secCtx = strings.TrimRight(s, "\x00")
		}
	})
	if ctrlErr != nil {
		return domain.Caller{}, fmt.Errorf("%w: %v", domain.ErrDisconnected, ctrlErr)
	}
	if credErr != nil {
		return domain.Caller{}, fmt.Errorf("%w: %v", domain.ErrDisconnected, credErr)
	}

	pid := int(cred.Pid)
	return domain.Caller{
		UID:     int(cred.Uid),
		PID:     pid,
		Context: secCtx,
		IsSelf:  g.IsSelfImage(pid),
	}, nil
}

// IsSelfImage reports whether pid runs the same executable file as the
// daemon, by device and inode of <procRoot>/<pid>/exe.
func (g *CredentialGate) IsSelfImage(pid int) bool {
	if pid <= 0 {
		return false
	}
	id, err := statID(filepath.Join(g.procRoot, strconv.Itoa(pid), "exe"))
	if err != nil {
		return false
	}
	return id == g.self
}

var _ domain.CredentialReader = (*CredentialGate)(nil)
