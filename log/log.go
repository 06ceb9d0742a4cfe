package log

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

var debug bool

func init() {
	var err error
	debug, err = strconv.ParseBool(os.Getenv("PORECALL_DEBUG"))
	if err != nil {
		debug = false
	}
}

// GetLogger returns a new logger instance. The log level is debug when
// the PORECALL_DEBUG environment variable is set to a true value.
func GetLogger() *logrus.Logger {
	l := logrus.New()
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// DebugEnabled reports whether debug logging is active for this process.
func DebugEnabled() bool {
	return debug
}
