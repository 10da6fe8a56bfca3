package main

import (
	"fmt"
	"os"

	"github.com/drblury/tierflow/internal/cli"
	_ "github.com/drblury/tierflow/jobs"
	_ "github.com/drblury/tierflow/transport/transports"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tierflow:", err)
		os.Exit(1)
	}
}
