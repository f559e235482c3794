// dagwork is an issue-DAG orchestrator for autonomous coding agents:
// issues form a dependency DAG, control-flow tags say how child outcomes
// aggregate, and a run loop claims ready leaves and hands them to agent
// sessions until the root settles.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}
