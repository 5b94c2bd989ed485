package sslio

import (
	"log"
	"os"
	"strings"
)

// We use this environment variable to control logging.  It should be a
// comma-separated list of log tags (see below) or "*" to enable all
// logging.
const logConfigVar = "SSLIO_LOG"

// Pre-defined log tags
const (
	logTypeIO     = "io"
	logTypePoll   = "poll"
	logTypeDriver = "driver"
	logTypeEngine = "engine"
	logTypeCache  = "cache"
)

var (
	logFunction = log.Printf
	logAll      = false
	logSettings = map[string]bool{}
)

func init() {
	parseLogEnv(os.Environ())
}

func parseLogEnv(env []string) {
	for _, stmt := range env {
		if strings.HasPrefix(stmt, logConfigVar+"=") {
			val := stmt[len(logConfigVar)+1:]
			if val == "*" {
				logAll = true
			} else {
				for _, tag := range strings.Split(val, ",") {
					logSettings[strings.ToLower(tag)] = true
				}
			}
		}
	}
}

func logf(tag string, format string, args ...interface{}) {
	if logAll || logSettings[tag] {
		fullFormat := "[" + tag + "] " + format
		logFunction(fullFormat, args...)
	}
}
