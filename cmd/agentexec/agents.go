package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/stake-plus/agentexec/src/logging"
	"github.com/stake-plus/agentexec/src/registry"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the registry descriptors",
	RunE: func(cmd *cobra.Command, args []string) error {
		openDB(logging.New("agentexec"))
		cfg := loadConfig()
		doc, err := registry.ReadFile(cfg.RegistryPath)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCATEGORY\tSTATUS\tINTERFACE\tMODULE:CLASS")
		for _, d := range doc.Agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.Name, d.Category, d.Status, d.Interface, d.Key())
		}
		for _, e := range doc.Invalid {
			fmt.Fprintf(cmd.ErrOrStderr(), "invalid: %v\n", e)
		}
		return w.Flush()
	},
}

var runArgs []string

var runCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Load one agent regardless of status and run it once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := parseArgs(runArgs)
		if err != nil {
			return err
		}
		db := openDB(logging.New("agentexec"))
		cfg := loadConfig()
		loader, files, err := onDemandLoader(cfg, db)
		if err != nil {
			return err
		}
		defer files.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		inst, err := loader.LoadByName(ctx, cfg.RegistryPath, args[0])
		if err != nil {
			return err
		}
		res := inst.Run(ctx, kv)
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
		if msg := res.Err(); msg != "" {
			return fmt.Errorf("%s: %s", inst.Name(), msg)
		}
		return nil
	},
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose <name>",
	Short: "Load one agent and print its diagnostics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db := openDB(logging.New("agentexec"))
		cfg := loadConfig()
		loader, files, err := onDemandLoader(cfg, db)
		if err != nil {
			return err
		}
		defer files.Close()

		inst, err := loader.LoadByName(context.Background(), cfg.RegistryPath, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), inst.Diagnose())
	},
}

// parseArgs turns repeated k=v flags into a map. A run always gets a non-nil
// map so pollers take their single-pass branch.
func parseArgs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("bad --arg %q, want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func init() {
	runCmd.Flags().StringArrayVarP(&runArgs, "arg", "a", nil, "argument as key=value (repeatable)")
	rootCmd.AddCommand(listCmd, runCmd, diagnoseCmd)
}
