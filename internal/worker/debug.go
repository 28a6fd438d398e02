package worker

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("PDFBOT_WORKER_DEBUG"), "1")

// debugLog traces pool and queue decisions when PDFBOT_WORKER_DEBUG=1.
func debugLog(log zerolog.Logger) *zerolog.Event {
	if !workerDebugEnabled {
		return nil
	}
	return log.Debug()
}
