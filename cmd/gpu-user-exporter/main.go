package main

import (
	"fmt"
	"io"
	"os"

	"github.com/leptonai/gpu-user-exporter/cmd/gpu-user-exporter/command"
	"github.com/leptonai/gpu-user-exporter/cmd/gpu-user-exporter/common"
)

func main() {
	os.Exit(run(os.Args, os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	app := command.App()
	if err := app.Run(args); err != nil {
		fmt.Fprintf(stderr, "%s %s\n", common.WarningSign, err)
		return 1
	}
	return 0
}
