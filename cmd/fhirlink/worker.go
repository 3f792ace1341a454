package main

import (
	"github.com/spf13/cobra"

	srv "github.com/openscribe/fhirlink/internal/server"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	var worker = &cobra.Command{
		Use:   "worker",
		Short: "Run the mapping refresh scheduler and worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return srv.RunWorker(cfgPath)
		},
	}
	worker.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return worker
}
