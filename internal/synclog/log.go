// Package synclog builds the JSON-lines structured logger the Reconciler
// and Mesh State Store write operational events through, plus the horizon
// pruning that keeps the log file from growing without bound.
package synclog

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// New returns a *slog.Logger writing JSON-lines to w, one object per line
// with keys {timestamp, level, action, ...details}, matching the
// teacher's mustLogger construction adapted from a development/production
// text-vs-JSON switch to a single always-JSON-lines file format.
func New(w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       slog.LevelDebug,
		ReplaceAttr: replaceAttr,
	})
	return slog.New(handler)
}

// Open opens (creating if necessary) the log file at path in append mode
// and returns a Logger writing to it, along with the file so callers can
// close it on shutdown.
func Open(path string) (*slog.Logger, *os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return New(f), f, nil
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.TimeKey:
		a.Key = "timestamp"
		a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339Nano))
	case slog.LevelKey:
		a.Key = "level"
	case slog.MessageKey:
		a.Key = "action"
	}
	return a
}

// PruneBefore rewrites the log file at path, dropping every line whose
// "timestamp" field sorts lexicographically before horizonISO. ISO-8601
// timestamps compare correctly as plain strings, so no parsing is needed —
// the same trick the teacher's queries rely on for chronological
// ordering of primary keys.
func PruneBefore(path, horizonISO string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	writer := bufio.NewWriter(out)
	for scanner.Scan() {
		line := scanner.Text()
		if lineTimestamp(line) < horizonISO {
			continue
		}
		writer.WriteString(line)
		writer.WriteByte('\n')
	}
	if err := writer.Flush(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := scanner.Err(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// lineTimestamp extracts the "timestamp":"..." field's value from a
// JSON-lines log entry without a full unmarshal, since every line is
// known to have this field first.
func lineTimestamp(line string) string {
	const key = `"timestamp":"`
	i := strings.Index(line, key)
	if i < 0 {
		return ""
	}
	rest := line[i+len(key):]
	j := strings.IndexByte(rest, '"')
	if j < 0 {
		return ""
	}
	return rest[:j]
}
