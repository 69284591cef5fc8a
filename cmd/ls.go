package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"etran/internal/flog"
	"etran/internal/state"
)

var lsFlags struct {
	verbosity int
}

var lsCmd = &cobra.Command{
	Use:   "ls TARGET",
	Short: "list files on a daemon or locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flog.SetLevel(lsFlags.verbosity)
		t, err := parseTarget(args[0])
		if err != nil {
			return err
		}
		srv, err := openSide(t, state.New())
		if err != nil {
			return err
		}
		defer srv.Close()

		entries, err := srv.ListPath(t.path, !t.remote)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Println(e)
		}
		return nil
	},
}

func init() {
	lsCmd.Flags().IntVarP(&lsFlags.verbosity, "message-level", "m", int(flog.Warn), "log verbosity [-1,5]")
}
