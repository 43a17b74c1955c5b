package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/rootd/internal/domain"
)

var denyMessages = map[int32]string{
	domain.DenyOK:           "",
	domain.DenyEnforced:     "denylist is enforced",
	domain.DenyNotEnforced:  "denylist is not enforced",
	domain.DenyItemExist:    "target already exists in the denylist",
	domain.DenyItemNotExist: "target does not exist in the denylist",
	domain.DenyInvalidPkg:   "invalid package name",
	domain.DenyNoNamespace:  "no mount namespace",
	domain.DenyError:        "daemon error",
}

var denylistCmd = &cobra.Command{
	Use:   "denylist",
	Short: "Manage processes hidden from runtime injection",
}

func denySubcommand(use, short string, cmdCode int32, args cobra.PositionalArgs) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []string
			if cmdCode == domain.DenyAdd || cmdCode == domain.DenyRemove {
				proc := ""
				if len(args) > 1 {
					proc = args[1]
				}
				payload = []string{args[0], proc}
			}
			res, entries, err := newClient().Denylist(cmd.Context(), cmdCode, payload...)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Println(e)
			}
			return denyResult(res)
		},
	}
}

// denyResult prints informational results and turns failures into errors.
func denyResult(res int32) error {
	switch res {
	case domain.DenyOK:
		return nil
	case domain.DenyEnforced, domain.DenyNotEnforced:
		fmt.Println(denyMessages[res])
		return nil
	}
	msg, ok := denyMessages[res]
	if !ok {
		msg = fmt.Sprintf("unknown result %d", res)
	}
	return fmt.Errorf("denylist: %s", msg)
}

func init() {
	denylistCmd.AddCommand(
		denySubcommand("enable", "Enforce the denylist", domain.DenyEnforce, cobra.NoArgs),
		denySubcommand("disable", "Stop enforcing the denylist", domain.DenyDisable, cobra.NoArgs),
		denySubcommand("status", "Report whether the denylist is enforced", domain.DenyStatus, cobra.NoArgs),
		denySubcommand("ls", "List denylist entries as package|process", domain.DenyList, cobra.NoArgs),
		denySubcommand("add <package> [process]", "Add a package or one of its processes", domain.DenyAdd, cobra.RangeArgs(1, 2)),
		denySubcommand("rm <package> [process]", "Remove a package or one of its processes", domain.DenyRemove, cobra.RangeArgs(1, 2)),
	)
}
