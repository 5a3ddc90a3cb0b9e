package main

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hephy-dd/pt100ramp/bench"
	"github.com/hephy-dd/pt100ramp/cts"
	"github.com/hephy-dd/pt100ramp/keithley"
	"github.com/hephy-dd/pt100ramp/mock"
	"github.com/hephy-dd/pt100ramp/ramp"
	"github.com/hephy-dd/pt100ramp/recorder"
	"github.com/hephy-dd/pt100ramp/telemetry"
	"github.com/hephy-dd/pt100ramp/util"
)

// app is everything a command needs, built from a Config
type app struct {
	ctrl    *ramp.Controller
	metrics *telemetry.Metrics
	store   *recorder.Store
	csv     *recorder.CSV
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildBench(c Config) *bench.Bench {
	if c.Mock {
		chamber := mock.NewChamber()
		return bench.New(chamber, mock.NewMeter(chamber))
	}
	return bench.New(
		cts.NewITC(c.Chamber.Addr, c.Chamber.Serial),
		keithley.NewK2700(c.Meter.Addr, c.Meter.Serial))
}

// build wires the controller to the bench and every configured observer
func build(c Config, log zerolog.Logger) (*app, error) {
	a := &app{}
	a.ctrl = ramp.New(buildBench(c), ramp.Config{
		Offset:       c.Offset,
		PollInterval: util.SecsToDuration(c.PollInterval),
		Channel:      c.Channel,
		Logger:       &log,
	})

	a.csv = recorder.NewCSV(c.LogDir, log)
	a.ctrl.Subscribe(a.csv)

	a.metrics = telemetry.NewMetrics()
	a.ctrl.Subscribe(a.metrics)

	if c.SQLitePath != "" {
		store, err := recorder.OpenStore(c.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		a.store = store
		a.closers = append(a.closers, func() { store.Close() })
		a.ctrl.Subscribe(store)
	}

	if c.MQTT.Broker != "" {
		client, err := telemetry.Dial(c.MQTT.Broker, c.MQTT.ClientID)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("mqtt: %w", err)
		}
		a.closers = append(a.closers, func() { client.Disconnect(250) })
		a.ctrl.Subscribe(telemetry.NewMQTT(client, c.MQTT.Topic, log))
	}
	a.ctrl.Subscribe(ramp.ObserverFunc(func(e ramp.Event) {
		if e.Kind == ramp.EventMeasured {
			log.Debug().
				Float64("cts_temp", e.Reading.ChamberTemp).
				Float64("cts_humid", e.Reading.ChamberHumidity).
				Float64("pt100", e.Reading.ReferenceTemp).
				Msg("reading")
		}
	}))
	return a, nil
}
