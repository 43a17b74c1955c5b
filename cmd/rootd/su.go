package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/rootd/internal/client"
	"github.com/eliteGoblin/rootd/internal/domain"
)

var suOpts struct {
	command  string
	login    bool
	keepEnv  bool
	dropCap  bool
	shell    string
	context  string
	groups   []int
	targetNS int
}

var suCmd = &cobra.Command{
	Use:   "su [flags] [user]",
	Short: "Run a shell as another user (root by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSu,
}

func init() {
	f := suCmd.Flags()
	f.StringVarP(&suOpts.command, "command", "c", "", "Pass a command to the invoked shell")
	f.BoolVarP(&suOpts.login, "login", "l", false, "Start a login shell")
	f.BoolVarP(&suOpts.keepEnv, "preserve-environment", "p", false, "Keep the caller's environment")
	f.BoolVar(&suOpts.dropCap, "drop-cap", false, "Drop all Linux capabilities")
	f.StringVarP(&suOpts.shell, "shell", "s", "", "Use this shell instead of "+domain.DefaultShell)
	f.StringVarP(&suOpts.context, "context", "z", "", "Switch to this SELinux context")
	f.IntSliceVarP(&suOpts.groups, "group", "g", nil, "Supplementary group ids")
	f.IntVarP(&suOpts.targetNS, "target", "t", -1, "Mount namespace of this pid")
}

func runSu(cmd *cobra.Command, args []string) error {
	req := domain.SuRequest{
		TargetUID: domain.AIDRoot,
		TargetPID: suOpts.targetNS,
		Login:     suOpts.login,
		KeepEnv:   suOpts.keepEnv,
		DropCap:   suOpts.dropCap,
		Shell:     suOpts.shell,
		Command:   suOpts.command,
		Context:   suOpts.context,
		GIDs:      suOpts.groups,
	}
	if len(args) == 1 {
		uid, err := parseUser(args[0])
		if err != nil {
			return err
		}
		req.TargetUID = uid
	}

	code, err := newClient().Su(cmd.Context(), req, [3]*os.File{os.Stdin, os.Stdout, os.Stderr})
	if errors.Is(err, client.ErrSuDenied) {
		fmt.Fprintln(os.Stderr, "su:", err)
		os.Exit(1)
	}
	if err != nil {
		return err
	}
	os.Exit(code)
	return nil
}
