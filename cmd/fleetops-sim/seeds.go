package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var seedsOut string

var seedsCmd = &cobra.Command{
	Use:   "seeds",
	Short: "Export the seed library",
	Long:  "seeds writes the configured seed library to YAML. The file can be used as seed_file.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		lib, err := loadLibrary(cfg)
		if err != nil {
			return err
		}
		if err := lib.Save(seedsOut); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d entities to %s\n", len(lib.Entities()), seedsOut)
		return nil
	},
}

func init() {
	seedsCmd.Flags().StringVar(&seedsOut, "out", "seeds.yaml", "Output path")
}
