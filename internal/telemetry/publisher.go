// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/blockforge/blocksync/internal/state"
	"github.com/blockforge/blocksync/pkg/log"
)

// MilestoneEvent is one state.Health transition for a single job,
// serialized as the telemetry payload.
type MilestoneEvent struct {
	JobSource   string      `json:"job_source"`
	Health      state.Health `json:"health"`
	Description string      `json:"description,omitempty"`
	Time        time.Time   `json:"time"`
}

// Publisher publishes MilestoneEvents to a NATS subject. A nil Publisher
// (returned when telemetry is disabled or the connection fails) is safe
// to call Publish/Close on: both are no-ops.
type Publisher struct {
	conn    *nats.Conn
	subject string
}

// Connect dials cfg.Address and returns a ready Publisher, or nil if
// telemetry is disabled (empty Address) or the connection attempt
// fails. A failed connection is logged as a warning, not an error: the
// backup itself must never fail because telemetry is unreachable.
func Connect(cfg Config) *Publisher {
	if cfg.Address == "" {
		return nil
	}

	var opts []nats.Option
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.CredsFilePath != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFilePath))
	}
	opts = append(opts, nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
		if err != nil {
			log.Warnf("telemetry: NATS error: %v", err)
		}
	}))

	nc, err := nats.Connect(cfg.Address, opts...)
	if err != nil {
		log.Warnf("telemetry: could not connect to %s, milestones will not be published: %v", cfg.Address, err)
		return nil
	}

	log.Infof("telemetry: connected to %s, publishing milestones on %q", cfg.Address, cfg.subject())
	return &Publisher{conn: nc, subject: cfg.subject()}
}

// Publish sends one milestone event. Errors are logged, not returned:
// a dropped telemetry event must never interrupt a backup in progress.
func (p *Publisher) Publish(ev MilestoneEvent) {
	if p == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Warnf("telemetry: marshaling milestone event: %v", err)
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		log.Warnf("telemetry: publishing milestone event: %v", err)
	}
}

// Close flushes and closes the underlying connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	if err := p.conn.Flush(); err != nil {
		return fmt.Errorf("telemetry: flush: %w", err)
	}
	p.conn.Close()
	return nil
}
