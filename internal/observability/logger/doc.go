// Package logger provides a singleton Zap logger with context-based scoping.
//
// Initialization (once, in main):
//
//	logger.Init(logger.Config{
//	    Env:   os.Getenv("APP_ENV"),   // "dev" or "prod"
//	    Level: os.Getenv("LOG_LEVEL"), // "debug", "info", "warn", "error"
//	})
//	defer logger.L().Sync()
//
// In handlers/services (with context):
//
//	log := logger.From(ctx)
//	log.Info("token issued", logger.UserID(userID), logger.AppID(appID))
//
// Without context (fallback to the singleton):
//
//	logger.L().Info("application started")
package logger
