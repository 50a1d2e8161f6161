package palindrom

import (
	"fmt"
	"io"
	"strings"

	"github.com/VictoriaMetrics/metrics"
)

var (
	batchesSentHTTP     = metrics.NewCounter(`palindrom_batches_sent_total{transport="http"}`)
	batchesSentSocket   = metrics.NewCounter(`palindrom_batches_sent_total{transport="websocket"}`)
	batchesReceivedHTTP = metrics.NewCounter(`palindrom_batches_received_total{transport="http"}`)
	batchesReceivedWS   = metrics.NewCounter(`palindrom_batches_received_total{transport="websocket"}`)
	socketUpgrades      = metrics.NewCounter(`palindrom_socket_upgrades_total`)
	heartbeatTimeouts   = metrics.NewCounter(`palindrom_heartbeat_timeouts_total`)
)

func countConnectionError(e *ConnectionError) {
	name := fmt.Sprintf(`palindrom_connection_errors_total{side=%q,transport=%q}`,
		strings.ToLower(e.Side.String()), strings.ToLower(string(e.Transport)))
	metrics.GetOrCreateCounter(name).Inc()
}

// WriteMetrics writes the client metrics in Prometheus text format.
func WriteMetrics(w io.Writer) {
	metrics.WritePrometheus(w, false)
}
