package env

import (
	"os"

	zap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MakeLogger builds the production JSON logger. BEACON_LOG_LEVEL overrides
// the info level.
func MakeLogger() (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if s := os.Getenv("BEACON_LOG_LEVEL"); s != "" {
		if err := level.Set(s); err != nil {
			return nil, err
		}
	}

	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(level)
	logConfig.Encoding = "json"

	return logConfig.Build(zap.Fields(zap.String("service", "beacon")))
}
