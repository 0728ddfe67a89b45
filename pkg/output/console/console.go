package console

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ericogr/circuit-meter/pkg/output"
	"github.com/ericogr/circuit-meter/pkg/sensor"
)

type ConsoleOutput struct {
	w io.Writer
}

func NewConsole() output.Output { return &ConsoleOutput{w: os.Stdout} }

func (c *ConsoleOutput) Publish(readings []sensor.Reading) error {
	for _, r := range readings {
		if !r.OK() {
			fmt.Fprintf(c.w, "%s channel=%d code=%s\n", r.Timestamp.Format(time.RFC3339), r.Channel, r.Code)
			continue
		}
		fmt.Fprintf(c.w, "%s channel=%d current_ma=%.1f voltage_v=%.1f energy_j=%.3f\n",
			r.Timestamp.Format(time.RFC3339), r.Channel, r.CurrentMA, r.VoltageV, r.EnergyJ)
	}
	return nil
}

func (c *ConsoleOutput) PublishRecord(r output.Record) error {
	_, err := fmt.Fprintf(c.w, "%s experiment=%d/%d channel=%d off=%d on=%d\n",
		r.Timestamp.Format(time.RFC3339), r.Seq, r.Of, r.Channel, r.Off, r.On)
	return err
}

func (c *ConsoleOutput) Close() error { return nil }
