package internal

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

// CloseAndLogIfError closes c (typically *sql.Rows) and logs at warn level
// if Close returns an error, the standard "don't let a defer swallow a
// close failure silently, but don't propagate it either" pattern used
// throughout the storage layer's query helpers.
func CloseAndLogIfError(ctx context.Context, c io.Closer, message string) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logrus.WithContext(ctx).WithError(err).Warn(message)
	}
}
