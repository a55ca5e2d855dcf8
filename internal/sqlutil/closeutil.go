package sqlutil

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

// CloseAndLogIfError closes c, logging any error at Warn rather than
// propagating it: a failure to close a read cursor never invalidates the
// rows already scanned from it.
func CloseAndLogIfError(ctx context.Context, c io.Closer, message string) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logrus.WithContext(ctx).WithError(err).Warn(message)
	}
}
