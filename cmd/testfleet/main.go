package main

import (
	"fmt"
	"os"

	"github.com/aryankumar/testfleet/internal/cli"
	"github.com/aryankumar/testfleet/internal/util"
)

func main() {
	ctx := util.SetupSignalHandler(func() {
		fmt.Fprintln(os.Stderr, "Interrupted, cancelling test operation (press Ctrl+C again to force exit)")
	})

	if err := cli.Execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", util.FriendlyError(err))
		os.Exit(1)
	}
}
