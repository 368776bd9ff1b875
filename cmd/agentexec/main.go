// Command agentexec hosts the agents listed in an agent registry.
//
// Usage:
//
//	agentexec serve                      start every active agent and the admin API
//	agentexec list                       print the registry
//	agentexec run <name> --arg k=v       load one agent and run it once
//	agentexec diagnose <name>            load one agent and print its diagnostics
//	agentexec register --name ... --module ... --class ...
//
// Settings come from the settings table when AGENTEXEC_MYSQL_DSN or MYSQL_DSN
// is set, then the environment, then .env.
package main

import (
	"fmt"
	"os"

	_ "github.com/stake-plus/agentexec/src/agents/catalog"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
