// Package logging builds the single process-wide *logrus.Logger shared by
// every DockMon component. No component reaches for logrus.StandardLogger();
// the logger is constructed once here and injected.
package logging

import "github.com/sirupsen/logrus"

// New builds a *logrus.Logger from a level string and a "json"/"text" format
// switch. An unparsable level falls back to Info rather than failing
// startup.
func New(level string, jsonFormat bool) *logrus.Logger {
	log := logrus.New()

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)

	if jsonFormat {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	return log
}

// Nop returns a logger that discards everything, for components constructed
// without an explicit logger in tests.
func Nop() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(nopWriter{})
	return log
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
