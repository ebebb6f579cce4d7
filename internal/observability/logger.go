package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	logs "github.com/danmuck/smsrelay/internal/logging"
)

// InitLogger applies the runtime logging profile and tags the global logger with app.
func InitLogger(app string) zerolog.Logger {
	logs.ConfigureRuntime()
	logger := log.Logger.With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
