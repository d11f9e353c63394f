package util

import (
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Switch is a boolean environment variable.
type Switch string

const (
	Debug Switch = "ZATCA_DEBUG"
	// HTTPTrace switches on request and response body logging. Secrets, OTPs and
	// authorization headers are never part of the trace.
	HTTPTrace Switch = "ZATCA_HTTP_TRACE"
)

// Enabled reports whether the variable holds a value strconv.ParseBool reads as true.
func (s Switch) Enabled() bool {
	v, ok := os.LookupEnv(string(s))
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func GetEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// ConfigureLogging sets up the standard logger: JSON output when ZATCA_LOG_FORMAT is
// "json", debug level when ZATCA_DEBUG is set.
func ConfigureLogging() {
	if strings.EqualFold(GetEnvOrDefault("ZATCA_LOG_FORMAT", "text"), "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	if Debug.Enabled() {
		logrus.SetLevel(logrus.DebugLevel)
		logrus.Debug("debug logging enabled")
	}
}
