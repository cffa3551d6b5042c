package metrics

import "strconv"

// Error metric names.
const (
	ErrorsTotal           = "errors_total"
	PanicsTotal           = "panics_total"
	ErrorsByEndpointTotal = "errors_by_endpoint"
)

// RecordHTTPError counts one error envelope written to a client. endpoint
// must be a route pattern, never a raw path carrying a connection id.
func RecordHTTPError(code string, httpStatus int, endpoint string) {
	counter(ErrorsTotal, map[string]string{
		"error_code":  code,
		"http_status": strconv.Itoa(httpStatus),
	})
	if endpoint != "" {
		counter(ErrorsByEndpointTotal, map[string]string{
			"endpoint":   endpoint,
			"error_code": code,
		})
	}
}

// RecordPanic counts a recovered handler panic.
func RecordPanic() {
	counter(PanicsTotal, nil)
}
