package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stake-plus/agentexec/src/agents/builder"
	agentcore "github.com/stake-plus/agentexec/src/agents/core"
	"github.com/stake-plus/agentexec/src/logging"
	"github.com/stake-plus/agentexec/src/registry"
)

var descFlags = map[string]*string{}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Add or update a registry descriptor",
	Long: `Upsert one descriptor keyed by category and name. The write takes the
registry lock, so it is safe while a host is serving; a watching host picks
new active descriptors up without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		openDB(logging.New("agentexec"))
		cfg := loadConfig()

		agent := builder.NewAgent(agentcore.Default)
		agent.BindRuntime(agentcore.RuntimeDeps{Registry: registry.NewStore(cfg.RegistryPath)})

		in := make(map[string]string, len(descFlags))
		for k, v := range descFlags {
			in[k] = *v
		}
		res := agent.Run(context.Background(), in)
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
		if msg := res.Err(); msg != "" {
			return fmt.Errorf("register: %s", msg)
		}
		return nil
	},
}

func init() {
	for _, f := range []struct{ name, def, usage string }{
		{"name", "", "agent name (required)"},
		{"category", "", "registry category (required)"},
		{"subcategory", "", "optional subcategory"},
		{"module", "", "module path under agents. (required)"},
		{"class", "", "factory class (required)"},
		{"status", string(registry.StatusInactive), "active, beta or inactive"},
		{"interface", string(registry.InterfaceCLI), "service, cli or ui"},
		{"desc", "", "free-form description"},
	} {
		descFlags[f.name] = registerCmd.Flags().String(f.name, f.def, f.usage)
	}
	rootCmd.AddCommand(registerCmd)
}
