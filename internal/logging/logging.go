package logging

import (
	"os"
	"path/filepath"

	"github.com/MFAshby/stdemuxerhook"
	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/dugong"
	"github.com/sirupsen/logrus"
)

// Options configures process-wide logging for a cache-backed client.
type Options struct {
	// Dir, if non-empty, rotates daily log files under this directory in
	// addition to the stdout/stderr streams.
	Dir string
	// Level is the minimum logrus level emitted.
	Level logrus.Level
	// SentryDSN, if non-empty, reports errors passed to ReportError to
	// Sentry in addition to logrus; the sweeper's failed passes are the only
	// errors reported that way.
	SentryDSN string
}

// Setup installs the host application's logging conventions: structured
// fields via logrus, Info/Debug on stdout and Warn/Error/Fatal on stderr via
// stdemuxerhook, and optional daily-rotated file output via dugong.
func Setup(opts Options) error {
	logrus.SetLevel(opts.Level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logrus.SetOutput(os.Stdout)
	logrus.AddHook(stdemuxerhook.NewHook(logrus.StandardLogger()))

	if opts.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: opts.SentryDSN}); err != nil {
			return err
		}
	}

	if opts.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return err
	}
	logrus.AddHook(dugong.NewFSHook(
		filepath.Join(opts.Dir, "cache.log"),
		&logrus.TextFormatter{DisableColors: true, FullTimestamp: true},
		&dugong.FSHookOpts{},
	))
	return nil
}

// WithRoom returns a logger entry pre-populated with the room_id field,
// matching the correlation-field convention used across this codebase's
// storage and consumer packages.
func WithRoom(roomID string) *logrus.Entry {
	return logrus.WithField("room_id", roomID)
}

// WithEvent returns a logger entry pre-populated with room_id and event_id.
func WithEvent(roomID, eventID string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"room_id":  roomID,
		"event_id": eventID,
	})
}

// ReportError forwards err to Sentry if Setup was given a SentryDSN; it is a
// no-op otherwise. Callers still log the error via logrus themselves - this
// only adds the off-box crash-reporting path.
func ReportError(err error) {
	if err == nil {
		return
	}
	sentry.CaptureException(err)
}
