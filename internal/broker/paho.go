package broker

import (
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqtt-http-bridge/internal/logger"
)

// pahoLogger adapts a leveled log function to paho's package logger.
type pahoLogger struct {
	log func(msg string, args ...interface{})
}

func (p pahoLogger) Println(v ...interface{}) {
	p.log(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (p pahoLogger) Printf(format string, v ...interface{}) {
	p.log(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// RouteClientLogs sends paho's internal warnings and errors through log.
// paho keeps these loggers in package globals, so this affects every client.
func RouteClientLogs(log *logger.Logger) {
	l := log.With("source", "paho")
	mqtt.CRITICAL = pahoLogger{log: l.Error}
	mqtt.ERROR = pahoLogger{log: l.Error}
	mqtt.WARN = pahoLogger{log: l.Warn}
}
