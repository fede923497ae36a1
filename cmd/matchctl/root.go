package main

import (
	"errors"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newRootCommand(ctx *commandContext) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "matchctl",
		Short:         "Match external activities against planned workouts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch ctx.output {
			case outputAuto, outputTable, outputJSON:
			default:
				return errors.New("--output must be auto, table or json")
			}
			if tenantless(cmd) {
				return nil
			}
			ctx.tenantID = strings.TrimSpace(ctx.tenantID)
			if ctx.tenantID == "" {
				return errors.New("--tenant (or LACE_TENANT) is required")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.tenantID, "tenant", "t", os.Getenv("LACE_TENANT"), "Tenant whose activities are operated on")
	rootCmd.PersistentFlags().StringVarP(&ctx.output, "output", "o", outputAuto, "Output format: auto, table or json")

	rootCmd.AddCommand(newBatchCommand(ctx))
	rootCmd.AddCommand(newMatchCommand(ctx))
	rootCmd.AddCommand(newUnmatchCommand(ctx))
	rootCmd.AddCommand(newCandidatesCommand(ctx))
	rootCmd.AddCommand(newDLQCommand(ctx))

	return rootCmd
}

// tenantless reports whether cmd or one of its parents operates across tenants.
func tenantless(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations["tenantless"] == "true" {
			return true
		}
	}
	return false
}
