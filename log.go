package ewf

import "github.com/sirupsen/logrus"

// logger is package-level trace output for section walks and chunk loads
// (§6: "an optional verbosity toggle... diagnostic only and must not
// affect results"). It defaults to a logger at PanicLevel, so trace
// entries are filtered out before formatting unless a caller opts in.
var logger logrus.FieldLogger = newDefaultLogger()

func newDefaultLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel) // effectively silent until raised
	return l
}

// SetLogger installs a logger used for diagnostic tracing of section
// walks and chunk loads. Passing nil restores the silent default.
func SetLogger(l logrus.FieldLogger) {
	if l == nil {
		logger = newDefaultLogger()
		return
	}
	logger = l
}
