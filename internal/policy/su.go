package policy

import (
	"github.com/eliteGoblin/rootd/internal/domain"
)

// NoManager is the manager uid when no companion app is installed.
const NoManager = -1

// EvalUID returns the uid whose stored policy applies to uid under mode.
// ok is false when secondary users may not request root at all.
func EvalUID(uid int, mode domain.MultiuserMode) (eval int, ok bool) {
	switch mode {
	case domain.MultiuserOwnerManaged:
		return domain.ToAppID(uid), true
	case domain.MultiuserUser:
		return uid, true
	default:
		if domain.ToUserID(uid) != 0 {
			return uid, false
		}
		return uid, true
	}
}

// Evaluate combines the stored policy for a requesting uid with the global
// root access mode. A PolicyQuery result means the user must be asked.
//
// stored is the row looked up for the EvalUID; mgrUID is the manager app
// uid or NoManager.
func Evaluate(uid int, cfg domain.DbSettings, stored domain.RootSettings, mgrUID int) domain.RootSettings {
	if uid == domain.AIDRoot {
		return domain.SilentAllow
	}
	if mgrUID != NoManager && domain.ToAppID(uid) == domain.ToAppID(mgrUID) {
		return domain.SilentAllow
	}

	if _, ok := EvalUID(uid, cfg.MultiuserMode); !ok {
		return domain.SilentDeny
	}

	switch cfg.RootAccess {
	case domain.RootAccessDisabled:
		return domain.SilentDeny
	case domain.RootAccessAdbOnly:
		if uid != domain.AIDShell {
			return domain.SilentDeny
		}
	case domain.RootAccessAppsOnly:
		if uid == domain.AIDShell {
			return domain.SilentDeny
		}
	}

	if stored.Policy != domain.PolicyQuery {
		return stored
	}
	// Nobody to ask.
	if mgrUID == NoManager {
		return domain.SilentDeny
	}
	return stored
}
