// Package ingest runs incoming position samples through the update gate
// and writes the survivors to the location store. Both the websocket
// report stream and the RPC report path go through here.
package ingest

import (
	"context"

	"github.com/phuslu/log"

	"github.com/Claydropdead/location-monitor-sub001/internal/gate"
	"github.com/Claydropdead/location-monitor-sub001/internal/monitoring"
	"github.com/Claydropdead/location-monitor-sub001/internal/store"
)

// ReasonError marks samples dropped because of a store failure.
const ReasonError = "error"

type Ingestor struct {
	store   store.LocationStore
	gate    *gate.Gate
	metrics *monitoring.Collector
	log     log.Logger
}

type Outcome struct {
	Persisted bool
	Reason    string
	Err       error
}

func New(st store.LocationStore, g *gate.Gate, m *monitoring.Collector) *Ingestor {
	o := &Ingestor{}
	o.store = st
	o.gate = g
	o.metrics = m
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "ingest").Value()
	return o
}

// Apply runs one sample through the gate and, when accepted, upserts it.
// source tags the metrics, "ws" or "rpc". Only an active stored row counts
// as the previous fix, a user resuming after an offline period starts over
// with a first fix.
func (ing *Ingestor) Apply(ctx context.Context, source, uid string, s gate.Sample, force bool) Outcome {
	last, err := ing.store.FetchRecord(ctx, uid)
	if err != nil {
		ing.metrics.RecordStoreError("fetch")
		ing.metrics.RecordSample(source, ReasonError)
		ing.log.Error().Err(err).Str("user_id", uid).Msg("reading current position failed")
		return Outcome{Reason: ReasonError, Err: err}
	}
	var prev *gate.Sample
	if last != nil && last.Active {
		prev = &gate.Sample{
			Latitude:  last.Latitude,
			Longitude: last.Longitude,
			Accuracy:  last.Accuracy,
			Time:      last.RecordedAt,
		}
	}

	d := ing.gate.Evaluate(s, prev)
	if !d.Persist {
		ing.metrics.RecordSample(source, d.Reason)
		return Outcome{Reason: d.Reason}
	}
	if !ing.gate.Allow(uid, force) {
		ing.metrics.RecordSample(source, gate.ReasonThrottled)
		return Outcome{Reason: gate.ReasonThrottled}
	}

	err = ing.store.Upsert(ctx, store.Record{
		UserID:     uid,
		Latitude:   s.Latitude,
		Longitude:  s.Longitude,
		Accuracy:   s.Accuracy,
		RecordedAt: s.Time,
		Active:     true,
	})
	if err != nil {
		ing.metrics.RecordStoreError("upsert")
		ing.metrics.RecordSample(source, ReasonError)
		ing.log.Error().Err(err).Str("user_id", uid).Msg("persisting position failed")
		return Outcome{Reason: ReasonError, Err: err}
	}
	ing.metrics.RecordSample(source, d.Reason)
	return Outcome{Persisted: true, Reason: d.Reason}
}
