package main

import (
	"os"

	"github.com/G-Research/dataflow/cmd/dataflow/cmd"
	"github.com/G-Research/dataflow/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
