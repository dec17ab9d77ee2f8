package main

import (
	"fmt"
	"strconv"

	"openbudget/internal/ledger"

	"github.com/spf13/cobra"
)

var deriveCmd = &cobra.Command{
	Use:   "derive platform | project <id> | milestone <id> <index>",
	Short: "Print the address of a ledger record",
	Args:  cobra.RangeArgs(1, 3),
	RunE:  runDerive,
}

func init() {
	rootCmd.AddCommand(deriveCmd)
}

func deriveAddress(args []string) (ledger.Address, error) {
	switch args[0] {
	case ledger.TagPlatform:
		if len(args) != 1 {
			return ledger.Address{}, fmt.Errorf("platform takes no arguments")
		}
		return ledger.PlatformAddress(), nil
	case ledger.TagProject:
		if len(args) != 2 {
			return ledger.Address{}, fmt.Errorf("usage: derive project <id>")
		}
		return ledger.ProjectAddress(args[1]), nil
	case ledger.TagMilestone:
		if len(args) != 3 {
			return ledger.Address{}, fmt.Errorf("usage: derive milestone <id> <index>")
		}
		n, err := strconv.ParseUint(args[2], 10, 8)
		if err != nil {
			return ledger.Address{}, fmt.Errorf("milestone index must be 0..255: %w", err)
		}
		return ledger.MilestoneAddress(args[1], uint8(n)), nil
	default:
		return ledger.Address{}, fmt.Errorf("unknown record kind %q", args[0])
	}
}

func runDerive(cmd *cobra.Command, args []string) error {
	addr, err := deriveAddress(args)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), addr)
	return nil
}
