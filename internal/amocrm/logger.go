package amocrm

import "log"

type Logger interface {
	Printf(format string, args ...any)
}

func loggerOrDefault(logger Logger) Logger {
	if logger == nil {
		return log.Default()
	}
	return logger
}
