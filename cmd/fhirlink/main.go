package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "fhirlink"}

	root.AddCommand(serveCMD(), workerCMD(), migrateCMD(), discoverCMD())
	_ = root.Execute()
}
