package pool

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/sirupsen/logrus"
)

// forwardLogs re-emits a worker's JSON log lines through log, keeping their
// level and fields. Lines that are not JSON are logged at debug level.
func forwardLogs(r io.Reader, log *logrus.Entry) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		var fields map[string]any
		if err := json.Unmarshal(line, &fields); err != nil {
			log.WithField("log", string(line)).Debug("worker output")
			continue
		}

		level := logrus.InfoLevel
		if s, ok := fields[logrus.FieldKeyLevel].(string); ok {
			if l, err := logrus.ParseLevel(s); err == nil {
				level = l
			}
		}
		// panic and fatal stay the worker's business
		if level < logrus.ErrorLevel {
			level = logrus.ErrorLevel
		}
		msg, _ := fields[logrus.FieldKeyMsg].(string)
		delete(fields, logrus.FieldKeyLevel)
		delete(fields, logrus.FieldKeyMsg)
		delete(fields, logrus.FieldKeyTime)
		log.WithFields(logrus.Fields(fields)).Log(level, msg)
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Warn("reading worker stderr")
	}
}
