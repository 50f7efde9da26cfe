package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/hivemesh/hive/cmd/hived/cmd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "hived crashed: %v\n", r)
			if os.Getenv("HIVE_DEBUG") != "" {
				debug.PrintStack()
			}
			os.Exit(2)
		}
	}()

	cmd.Execute()
}
