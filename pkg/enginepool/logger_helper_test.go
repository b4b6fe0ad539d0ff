package enginepool

import (
	"io"

	"github.com/speechqueue/transcribeq/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(&logging.Config{Level: logging.ErrorLevel, Output: io.Discard})
}
