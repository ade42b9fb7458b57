package main

import (
	"github.com/spf13/cobra"

	"baseline/api/internal/baseline"
)

func registryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "registry",
		Short: "Print the effective field registry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry, err := baseline.LoadRegistry(configFromCommand(cmd).RegistryFile)
			if err != nil {
				return err
			}
			data, err := registry.Encode()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
