package fleetsync

import "github.com/sirupsen/logrus"

// componentLogger tags entries with the component that produced them. A nil
// logger falls back to the logrus standard logger.
func componentLogger(l logrus.FieldLogger, component string) logrus.FieldLogger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return l.WithField("component", component)
}
