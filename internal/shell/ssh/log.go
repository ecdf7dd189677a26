package ssh

import (
	"bytes"
	"log/slog"
	"strings"

	"github.com/artpar/stagehand/internal/core/remote"
)

// lineLogger is an io.Writer that logs complete lines of remote output.
type lineLogger struct {
	logger *slog.Logger
	stream string
	buf    bytes.Buffer
}

func newLineLogger(logger *slog.Logger, stream string) *lineLogger {
	return &lineLogger{logger: logger, stream: stream}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// Incomplete line: keep it for the next write.
			l.buf.Reset()
			l.buf.WriteString(line)
			break
		}
		l.emit(line)
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (l *lineLogger) Flush() {
	if l.buf.Len() > 0 {
		l.emit(l.buf.String())
		l.buf.Reset()
	}
}

func (l *lineLogger) emit(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" || strings.HasPrefix(line, remote.FailureMarker) {
		return
	}
	l.logger.Info(line, "stream", l.stream)
}
