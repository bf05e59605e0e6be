package cli

import (
	"github.com/calder/mnemo/internal/config"
	"github.com/calder/mnemo/internal/logger"
	"github.com/calder/mnemo/pkg/bridge"
)

// loadConfig resolves the effective configuration from file plus flags
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if workspace != "" {
		cfg.WorkspacePath = workspace
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// buildBridge wires logger and bridge from the effective configuration.
// The caller owns both and must close them.
func buildBridge(console bool) (*bridge.Bridge, *logger.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   console,
		Pretty:    console,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, nil, err
	}

	b, err := bridge.New(cfg, log.GetZerolog(), log.Redactor())
	if err != nil {
		log.Close()
		return nil, nil, err
	}
	return b, log, nil
}
