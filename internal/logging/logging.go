// Package logging installs the logrus formatter and level shared by the
// hub daemon and the command line client.
package logging

import (
	"fmt"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Setup sets the global logrus level and formatter. asJSON switches from the
// prefixed text output to logrus' json formatter.
func Setup(level string, asJSON bool) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)

	if asJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
		return nil
	}

	formatter := new(prefixed.TextFormatter)
	formatter.FullTimestamp = true
	formatter.TimestampFormat = "2006-01-02 15:04:05"
	formatter.ForceColors = false
	formatter.ForceFormatting = false
	logrus.SetFormatter(formatter)
	return nil
}
