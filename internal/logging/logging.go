package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the application logger. Unknown levels fall back to info
// rather than failing startup.
func New(level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger
}

// WithComponent tags entries with the owning subsystem.
func WithComponent(logger *logrus.Logger, component string) *logrus.Entry {
	return logger.WithField("component", component)
}

// WithRule tags entries with rule identity.
func WithRule(entry *logrus.Entry, ruleID, ruleName string) *logrus.Entry {
	return entry.WithFields(logrus.Fields{
		"rule_id":   ruleID,
		"rule_name": ruleName,
	})
}

// WithExecution tags entries with an execution ID.
func WithExecution(entry *logrus.Entry, executionID string) *logrus.Entry {
	return entry.WithField("execution_id", executionID)
}
