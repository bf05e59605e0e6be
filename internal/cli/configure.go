package cli

import (
	"fmt"

	"github.com/calder/mnemo/internal/config"
	"github.com/spf13/cobra"
)

var (
	confWorkspace     string
	confEngineCommand string
	confEngineScript  string
	confDaemonEnabled bool
	confDaemonURL     string
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write the configuration file",
	Long: `Write the configuration file, merging the given flags over the
existing configuration (or the defaults on first run).`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&confWorkspace, "workspace", "", "workspace root")
	configureCmd.Flags().StringVar(&confEngineCommand, "engine-command", "", "interpreter for the one-shot worker")
	configureCmd.Flags().StringVar(&confEngineScript, "engine-script", "", "worker script path")
	configureCmd.Flags().BoolVar(&confDaemonEnabled, "daemon", false, "enable the persistent worker daemon channel")
	configureCmd.Flags().StringVar(&confDaemonURL, "daemon-url", "", "worker daemon WebSocket URL")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	if confWorkspace != "" {
		cfg.WorkspacePath = confWorkspace
	}
	if confEngineCommand != "" {
		cfg.Engine.Command = confEngineCommand
	}
	if confEngineScript != "" {
		cfg.Engine.ScriptPath = confEngineScript
	}
	if cmd.Flags().Changed("daemon") {
		cfg.Engine.DaemonEnabled = confDaemonEnabled
	}
	if confDaemonURL != "" {
		cfg.Engine.DaemonURL = confDaemonURL
	}

	if err := loader.Save(cfg); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", loader.GetConfigPath())
	return nil
}
