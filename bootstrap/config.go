package bootstrap

import (
	"fmt"
	"os"

	"charon/config"
	"charon/parser"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger creates the application logger with a colored console encoder.
func InitLogger() (*zap.Logger, *zap.SugaredLogger, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	core := zapcore.NewCore(
		consoleEncoder,
		zapcore.AddSync(os.Stdout),
		zapcore.InfoLevel,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the configuration and logs the effective settings.
func InitConfig(sugar *zap.SugaredLogger) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if viper.ConfigFileUsed() == "" {
		sugar.Info("No config file found, using defaults and env vars")
	}

	sugar.Infow("Config loaded",
		"broker_addr", cfg.Broker.Addr,
		"graph_enabled", cfg.Graph.Enabled,
		"vector_enabled", cfg.Vector.Enabled,
		"api_port", cfg.API.Port)

	return cfg, nil
}

// InitParser builds the parser, loading a custom industry table when one is
// configured.
func InitParser(cfg *config.Config, sugar *zap.SugaredLogger) (*parser.Parser, error) {
	var table *parser.IndustryTable
	if path := cfg.Parser.IndustryTablePath; path != "" {
		loaded, err := parser.LoadIndustryTable(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load industry table from %s: %w", path, err)
		}
		table = loaded
		sugar.Infof("Loaded industry table from %s", path)
	}
	return parser.NewParser(table, cfg.Parser.MaxBodyLength, sugar), nil
}
