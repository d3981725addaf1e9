package asr

import (
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	cycles      metric.Int64Counter
	cycleErrors metric.Int64Counter
	units       metric.Int64Counter
	commits     metric.Int64Counter
	recognition metric.Float64Histogram
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	cycles, err := meter.Int64Counter("loqa.asr.cycles", metric.WithDescription("Processing cycles run"))
	if err != nil {
		return nil, err
	}
	cycleErrors, err := meter.Int64Counter("loqa.asr.cycle_errors", metric.WithDescription("Processing cycles that failed"))
	if err != nil {
		return nil, err
	}
	units, err := meter.Int64Counter("loqa.asr.units", metric.WithDescription("Output units added"))
	if err != nil {
		return nil, err
	}
	commits, err := meter.Int64Counter("loqa.asr.commits", metric.WithDescription("Utterances committed"))
	if err != nil {
		return nil, err
	}
	recognition, err := meter.Float64Histogram("loqa.asr.recognition.duration",
		metric.WithDescription("Recognition latency per window"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &instruments{
		cycles:      cycles,
		cycleErrors: cycleErrors,
		units:       units,
		commits:     commits,
		recognition: recognition,
	}, nil
}
