package common

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type textFormatter struct {
}

// Based off logrus.TextFormatter, which behaves completely
// differently when you don't want colored output
func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := &bytes.Buffer{}

	levelText := strings.ToUpper(entry.Level.String())[0:4]
	timeStamp := entry.Time.Format("2006/01/02 15:04:05.000000")
	fmt.Fprintf(b, "%s: %s %s", levelText, timeStamp, entry.Message)
	for k, v := range entry.Data {
		fmt.Fprintf(b, " %s=%v", k, v)
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}

var standardTextFormatter = &textFormatter{}

// Log is the shared logger; packages log through it directly or via
// tagged helpers.
var Log = logrus.New()

func init() {
	Log.Formatter = standardTextFormatter
	Log.Out = os.Stderr
	Log.Level = logrus.InfoLevel
}

// SetLogLevel sets the logging level by name ("debug", "info", ...)
func SetLogLevel(levelname string) error {
	level, err := logrus.ParseLevel(levelname)
	if err != nil {
		return err
	}
	Log.Level = level
	return nil
}

func InitDefaultLogging(debug bool) {
	if debug {
		Log.Level = logrus.DebugLevel
	} else {
		Log.Level = logrus.InfoLevel
	}
}
