package notify

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"device-simulator/internal/config"
	"device-simulator/internal/logging"
	"device-simulator/internal/model"
	"device-simulator/internal/schema"
)

const (
	influxConnectTimeout = 10 * time.Second
	measurement          = "device_state"
)

// Point builds the device_state point for c. The value index is stored as a
// field next to the raw value so dashboards can plot it.
func Point(c model.StateChange, index int) *write.Point {
	return write.NewPoint(
		measurement,
		map[string]string{
			"device":   c.Device,
			"port":     fmt.Sprint(c.Port),
			"variable": c.Variable,
			"source":   c.Source,
		},
		map[string]interface{}{
			"value": c.Value,
			"index": index,
		},
		c.Timestamp,
	)
}

// ValueIndex resolves a change's value index from the registry.
func ValueIndex(reg *schema.Registry) func(model.StateChange) int {
	return func(c model.StateChange) int {
		dt, err := reg.Lookup(c.Port)
		if err != nil {
			return -1
		}
		v, ok := dt.Variables[c.Variable]
		if !ok {
			return -1
		}
		return v.Index(c.Value)
	}
}

// InfluxWriter writes state changes through the non-blocking write API.
type InfluxWriter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	index    func(model.StateChange) int
}

// ConnectInflux pings cfg.URL and prepares a batched writer. index maps a
// change to the position of its value in the variable's valid list; nil
// writes -1.
func ConnectInflux(cfg config.InfluxDBConfig, index func(model.StateChange) int, log *logging.Logger) (*InfluxWriter, error) {
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(cfg.BatchSize)).
			SetFlushInterval(uint(cfg.FlushInterval)*1000),
	)

	ctx, cancel := context.WithTimeout(context.Background(), influxConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: influxdb ping: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: influxdb not healthy", ErrConnectionFailed)
	}

	w := &InfluxWriter{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		index:    index,
	}
	if log != nil {
		go func(errs <-chan error) {
			for err := range errs {
				log.Warn("influxdb write failed", "error", err)
			}
		}(w.writeAPI.Errors())
	}
	return w, nil
}

func (w *InfluxWriter) Name() string { return "influxdb" }

func (w *InfluxWriter) Notify(_ context.Context, c model.StateChange) error {
	idx := -1
	if w.index != nil {
		idx = w.index(c)
	}
	w.writeAPI.WritePoint(Point(c, idx))
	return nil
}

// Close flushes pending points and closes the client.
func (w *InfluxWriter) Close() error {
	w.writeAPI.Flush()
	w.client.Close()
	return nil
}
