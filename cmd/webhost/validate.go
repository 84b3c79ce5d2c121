package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/manifest"
)

func newValidateCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a manifest and build its providers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := manifest.Load(path)
			if err != nil {
				return err
			}
			if _, err := m.Handlers(nil); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", path)
			for _, mt := range m.Mounts {
				if mt.Proxy != "" {
					fmt.Fprintf(out, "  %-12s proxy   %s\n", mt.Scheme, mt.Proxy)
					continue
				}
				files, size, err := m.Inventory(mt)
				if err != nil {
					return fmt.Errorf("mount %s: %w", mt.Scheme, err)
				}
				fmt.Fprintf(out, "  %-12s assets  %s (%d files, %d bytes)\n", mt.Scheme, mt.Assets, files, size)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "manifest", "m", "webhost.yaml", "manifest file (.yaml, .toml or .json)")
	return cmd
}
