// Package sync implements the Sync Applier (C8): the single atomic
// saveState entry point driven by the external sync loop, the supporting
// room-listing queries that sit alongside it, and the signal bus that
// notifies subscribers after each committed change, per §4.7.
package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/element-hq/matrix-cache/internal/config"
)

// Bus is the typed in-process publish/subscribe layer signals travel over:
// an embedded NATS server with no network listener, paired with an
// in-process client, per §9's "host's embedded messaging dependency" note.
type Bus struct {
	srv        *server.Server
	nc         *nats.Conn
	bufferSize int
}

// NewBus starts an embedded NATS server bound to no network address and
// connects to it in-process.
func NewBus(cfg config.BusConfig) (*Bus, error) {
	srv, err := server.NewServer(&server.Options{
		DontListen: true,
		NoLog:      true,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("sync: starting embedded bus: %w", err)
	}
	srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("sync: embedded bus did not become ready")
	}

	nc, err := nats.Connect("", nats.InProcessServer(srv))
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("sync: connecting to embedded bus: %w", err)
	}

	bufferSize := cfg.SubscriberBufferSize
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{srv: srv, nc: nc, bufferSize: bufferSize}, nil
}

// publish marshals payload and sends it on subject, logging nothing on
// failure beyond returning the error: signal delivery is best-effort and
// must never block or fail the saveState transaction that triggered it,
// so every call site invokes this after the transaction has committed.
func (b *Bus) publish(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe registers handler for every message on subject, decoding it
// into a freshly allocated T per call and sending it on the returned
// channel. A message that fails to decode is discarded without being
// reported.
func Subscribe[T any](b *Bus, subject string) (<-chan T, error) {
	out := make(chan T, b.bufferSize)
	_, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			return
		}
		select {
		case out <- v:
		default:
			// Slow subscriber: drop rather than block publish, matching the
			// SubscriberBufferSize bound in config.Cache.Bus.
		}
	})
	if err != nil {
		close(out)
		return nil, err
	}
	return out, nil
}

// Close drains in-flight messages and shuts down the embedded server.
func (b *Bus) Close() {
	_ = b.nc.Drain()
	b.srv.Shutdown()
}
