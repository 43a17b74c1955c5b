package usecase

import (
	"io"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootd/internal/domain"
	"github.com/eliteGoblin/rootd/internal/ipc"
)

// isolatedPrefix marks isolated service processes, which have no package.
const isolatedPrefix = "isolated"

var packageName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)+$`)

// ValidPackage reports whether pkg can name a denylist target.
func ValidPackage(pkg string) bool {
	return pkg == isolatedPrefix || packageName.MatchString(pkg)
}

// Denylist serves DENYLIST requests.
type Denylist struct {
	db     domain.Database
	logger *zap.Logger
}

// NewDenylist creates the denylist handler.
func NewDenylist(db domain.Database, logger *zap.Logger) *Denylist {
	return &Denylist{db: db, logger: logger}
}

// Enforced reports whether the denylist is enabled.
func (d *Denylist) Enforced() bool {
	v, err := d.db.GetSetting(domain.SettingDenylist, 0)
	return err == nil && v != 0
}

// Contains reports whether proc is a denylist target.
func (d *Denylist) Contains(proc string) bool {
	entries, err := d.db.DenylistEntries()
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e[1] == proc || (e[0] == isolatedPrefix && strings.HasPrefix(proc, e[1])) {
			return true
		}
	}
	return false
}

func (d *Denylist) setEnforced(on bool) int32 {
	v := 0
	if on {
		v = 1
	}
	if err := d.db.SetSetting(domain.SettingDenylist, v); err != nil {
		d.logger.Error("failed to update denylist setting", zap.Error(err))
		return domain.DenyError
	}
	d.logger.Info("denylist enforcement changed", zap.Bool("enforced", on))
	return domain.DenyOK
}

func readTarget(r io.Reader) (string, string, error) {
	pkg, err := ipc.ReadString(r)
	if err != nil {
		return "", "", err
	}
	proc, err := ipc.ReadString(r)
	if err != nil {
		return "", "", err
	}
	return pkg, proc, nil
}

func (d *Denylist) add(r io.Reader) int32 {
	pkg, proc, err := readTarget(r)
	if err != nil {
		return domain.DenyError
	}
	if !ValidPackage(pkg) {
		return domain.DenyInvalidPkg
	}
	if proc == "" {
		proc = pkg
	}
	added, err := d.db.DenylistAdd(pkg, proc)
	if err != nil {
		d.logger.Error("failed to add denylist entry", zap.Error(err))
		return domain.DenyError
	}
	if !added {
		return domain.DenyItemExist
	}
	d.logger.Info("denylist add", zap.String("package", pkg), zap.String("process", proc))
	return domain.DenyOK
}

func (d *Denylist) remove(r io.Reader) int32 {
	pkg, proc, err := readTarget(r)
	if err != nil {
		return domain.DenyError
	}
	removed, err := d.db.DenylistRemove(pkg, proc)
	if err != nil {
		d.logger.Error("failed to remove denylist entry", zap.Error(err))
		return domain.DenyError
	}
	if !removed {
		return domain.DenyItemNotExist
	}
	d.logger.Info("denylist remove", zap.String("package", pkg), zap.String("process", proc))
	return domain.DenyOK
}

func (d *Denylist) list(w io.Writer) {
	entries, err := d.db.DenylistEntries()
	if err != nil {
		_ = ipc.WriteInt(w, domain.DenyError)
		return
	}
	if err := ipc.WriteInt(w, domain.DenyOK); err != nil {
		return
	}
	for _, e := range entries {
		if err := ipc.WriteString(w, e[0]+"|"+e[1]); err != nil {
			return
		}
	}
	_ = ipc.WriteString(w, "")
}

// Handle reads one sub-command and writes its response.
func (d *Denylist) Handle(rw io.ReadWriter) {
	cmd, err := ipc.ReadInt(rw)
	if err != nil {
		return
	}

	var res int32
	switch cmd {
	case domain.DenyEnforce:
		res = d.setEnforced(true)
	case domain.DenyDisable:
		res = d.setEnforced(false)
	case domain.DenyAdd:
		res = d.add(rw)
	case domain.DenyRemove:
		res = d.remove(rw)
	case domain.DenyList:
		d.list(rw)
		return
	case domain.DenyStatus:
		res = domain.DenyNotEnforced
		if d.Enforced() {
			res = domain.DenyEnforced
		}
	default:
		d.logger.Debug("unknown denylist command", zap.Int32("cmd", cmd))
		res = domain.DenyError
	}
	_ = ipc.WriteInt(rw, res)
}
