package influx

import "errors"

var (
	// ErrDisabled is returned by Connect when InfluxDB is disabled in the configuration.
	ErrDisabled = errors.New("influxdb is disabled")

	// ErrConnectionFailed is returned when the server cannot be reached or reports unhealthy.
	ErrConnectionFailed = errors.New("influxdb connection failed")
)
