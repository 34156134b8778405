package influxdb_test

import (
	"errors"
	"testing"

	"github.com/canopyhq/canopy-agent/internal/infrastructure/config"
	"github.com/canopyhq/canopy-agent/internal/infrastructure/influxdb"
)

func TestConnectDisabled(t *testing.T) {
	cfg := config.InfluxDBConfig{
		Enabled: false,
		URL:     "http://127.0.0.1:8086",
	}

	_, err := influxdb.Connect(cfg)
	if err == nil {
		t.Fatal("Connect() should return error when disabled")
	}
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnectUnreachable(t *testing.T) {
	cfg := config.InfluxDBConfig{
		Enabled: true,
		URL:     "http://127.0.0.1:59999", // Non-existent port
		Token:   "test-token",
		Org:     "canopy",
		Bucket:  "telemetry",
	}

	_, err := influxdb.Connect(cfg)
	if err == nil {
		t.Fatal("Connect() should return error for unreachable server")
	}
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}
