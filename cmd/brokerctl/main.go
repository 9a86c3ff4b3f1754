// Command brokerctl is the operator CLI for the broker sync engine.
package main

import (
	"os"

	"github.com/alanyoungcy/brokersync/cmd/brokerctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
