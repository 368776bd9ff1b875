package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	agentcore "github.com/stake-plus/agentexec/src/agents/core"
	"github.com/stake-plus/agentexec/src/agents/workspace"
	sharedconfig "github.com/stake-plus/agentexec/src/config"
	shareddata "github.com/stake-plus/agentexec/src/data"
	"github.com/stake-plus/agentexec/src/logging"
	"github.com/stake-plus/agentexec/src/registry"
	"github.com/stake-plus/agentexec/src/webclient"
	"gorm.io/gorm"
)

var (
	registryPath string
	envFile      string
	useDB        bool
)

var rootCmd = &cobra.Command{
	Use:           "agentexec",
	Short:         "Registry-driven agent host",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		sharedconfig.LoadDotEnv(envFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&registryPath, "registry", "r", "", "agent registry file (default from settings, then "+registry.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file to load")
	rootCmd.PersistentFlags().BoolVar(&useDB, "db", true, "load settings from MySQL when AGENTEXEC_MYSQL_DSN or MYSQL_DSN is set")
}

// openDB connects when a DSN is configured and primes the settings cache.
// It returns nil when the database is not configured.
func openDB(logger *log.Logger) *gorm.DB {
	if !useDB {
		return nil
	}
	dsn, err := shareddata.ResolveDSN(nil)
	if err != nil {
		return nil
	}
	db, err := shareddata.ConnectMySQL(dsn)
	if err != nil {
		logger.Printf("db: %v; continuing without database", err)
		return nil
	}
	if err := shareddata.LoadSettings(db); err != nil {
		logger.Printf("settings: %v", err)
	}
	return db
}

func loadConfig() sharedconfig.ExecConfig {
	cfg := sharedconfig.LoadExecConfig()
	if registryPath != "" {
		cfg.RegistryPath = registryPath
	}
	return cfg
}

// settingsFunc answers agent settings from cfg first, then the settings
// table and environment, the same order StartAll uses.
func settingsFunc(cfg sharedconfig.ExecConfig) func(string) string {
	fromConfig := cfg.AgentSettings()
	return func(name string) string {
		if v, ok := fromConfig[name]; ok {
			return v
		}
		return sharedconfig.GetSetting(name, strings.ToUpper(name), "")
	}
}

// onDemandLoader builds agents outside a running host. Their events go
// nowhere.
func onDemandLoader(cfg sharedconfig.ExecConfig, db *gorm.DB) (*agentcore.Loader, *workspace.Workspace, error) {
	files, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		return nil, nil, err
	}
	deps := agentcore.RuntimeDeps{
		Logger:   logging.New("agents"),
		Files:    files,
		Registry: registry.NewStore(cfg.RegistryPath),
		Settings: settingsFunc(cfg),
		DB:       db,
		HTTP:     defaultHTTP(cfg),
	}
	return agentcore.NewLoader(nil, deps), files, nil
}

func defaultHTTP(cfg sharedconfig.ExecConfig) *http.Client {
	return webclient.NewDefault(cfg.HTTPTimeout)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
