// Package policy decides who may do what: the per-request permission table
// and the superuser access rules.
package policy

import (
	"github.com/eliteGoblin/rootd/internal/domain"
)

// Table maps request codes to the permission class their caller must
// satisfy. Codes without an entry are open.
type Table struct {
	rules map[domain.RequestCode]domain.PermissionClass
}

// DefaultTable returns the daemon's permission table.
func DefaultTable() *Table {
	return NewTableWithRules(map[domain.RequestCode]domain.PermissionClass{
		domain.RequestPostFsData:    domain.PermRoot,
		domain.RequestLateStart:     domain.PermRoot,
		domain.RequestBootComplete:  domain.PermRoot,
		domain.RequestZygoteRestart: domain.PermRoot,
		domain.RequestSQLiteCmd:     domain.PermRoot,
		domain.RequestDenylist:      domain.PermRoot,
		domain.RequestStopDaemon:    domain.PermRoot,
		domain.RequestRemoveModules: domain.PermRootOrShell,
		domain.RequestZygisk:        domain.PermZygote,
	})
}

// NewTableWithRules creates a table with custom rules (for testing).
func NewTableWithRules(rules map[domain.RequestCode]domain.PermissionClass) *Table {
	t := &Table{rules: make(map[domain.RequestCode]domain.PermissionClass, len(rules))}
	for code, class := range rules {
		t.rules[code] = class
	}
	return t
}

// Class returns the permission class of code.
func (t *Table) Class(code domain.RequestCode) domain.PermissionClass {
	return t.rules[code]
}

// Check returns OK when caller may issue code, otherwise the status to
// send back.
func (t *Table) Check(caller domain.Caller, code domain.RequestCode) domain.RespondCode {
	switch t.Class(code) {
	case domain.PermRoot:
		if !caller.IsRoot() {
			return domain.RespondRootRequired
		}
	case domain.PermRootOrShell:
		if caller.UID != domain.AIDRoot && caller.UID != domain.AIDShell {
			return domain.RespondAccessDenied
		}
	case domain.PermZygote:
		if !caller.IsZygote() {
			return domain.RespondAccessDenied
		}
	}
	return domain.RespondOK
}

var defaultTable = DefaultTable()

// Check consults the default table.
func Check(caller domain.Caller, code domain.RequestCode) domain.RespondCode {
	return defaultTable.Check(caller, code)
}
