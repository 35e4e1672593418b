// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package manage

import (
	"time"

	"github.com/google/uuid"

	"github.com/blockforge/blocksync/pkg/log"
)

// RequestKind tags which variant of Request is populated; Go has no
// native tagged union, so the request/response types are plain structs
// with a kind discriminator and omitempty payload fields, which also
// happens to serialize cleanly as the newline-delimited JSON the
// management socket speaks.
type RequestKind string

const (
	ReqStart  RequestKind = "start"
	ReqCancel RequestKind = "cancel"
	ReqPause  RequestKind = "pause"
	ReqResume RequestKind = "resume"
	ReqQuery  RequestKind = "query"
)

// Request is a single request sent to a running (or idle) copier loop.
type Request struct {
	Kind            RequestKind `json:"kind"`
	StartManifest   *Manifest   `json:"start_manifest,omitempty"`
	QueryMaxDiagram int         `json:"query_max_diagram_size,omitempty"`
}

// Response answers a Request in kind.
type Response struct {
	Kind  RequestKind `json:"kind"`
	Error string      `json:"error,omitempty"`
	Query *Status     `json:"query,omitempty"`
}

// StatusKind tags Status's variant.
type StatusKind string

const (
	StatusWaiting StatusKind = "waiting"
	StatusRunning StatusKind = "running"
	StatusEnded   StatusKind = "ended"
)

// Status is the daemon's current posture, returned in answer to a Query
// request.
type Status struct {
	Kind    StatusKind  `json:"kind"`
	Running *RunStatus  `json:"running,omitempty"`
	Ended   *LastResult `json:"ended,omitempty"`
}

// JobProgress is one job's rendered progress diagram at Query time.
type JobProgress struct {
	Source        string `json:"source"`
	ChunkCount    int    `json:"chunk_count"`
	Cells         []byte `json:"cells"`
	ChunksPerCell int    `json:"chunks_per_cell"`
}

// RunStatus is returned while a backup is actively copying.
type RunStatus struct {
	Manifest Manifest      `json:"manifest"`
	Progress []JobProgress `json:"progress"`
	Paused   bool          `json:"paused"`
}

// LastResult is returned for the most recently finished run once the
// copier has gone idle again.
type LastResult struct {
	Manifest Manifest  `json:"manifest"`
	Time     time.Time `json:"time"`
	Success  bool      `json:"success"`
}

// Ticket pairs a Request with a single-use response channel. ID is a
// per-ticket correlation identifier, logged by the daemon's socket
// handlers so a single connection's requests can be told apart in a
// multi-connection management log.
type Ticket struct {
	ID       uuid.UUID
	Request  Request
	response chan Response
}

// NewTicket wraps req for submission to an Interface, stamping it with a
// fresh correlation ID.
func NewTicket(req Request) *Ticket {
	return &Ticket{ID: uuid.New(), Request: req, response: make(chan Response, 1)}
}

// Respond delivers resp to whoever is waiting on this ticket. Only the
// first call has any effect; later calls are logged and dropped.
func (t *Ticket) Respond(resp Response) {
	select {
	case t.response <- resp:
	default:
		log.Errorf("manage: ticket already responded to, dropping second response of kind %s", resp.Kind)
	}
}

// Wait blocks for the ticket's response.
func (t *Ticket) Wait() Response {
	return <-t.response
}

// Interface is the single-producer/single-consumer ticket queue between
// external callers (CLI, daemon socket handlers) and the copier loop.
type Interface struct {
	tickets chan *Ticket
}

// NewInterface creates an Interface with the given queue depth. A zero
// Interface (or one built with depth 0 and never Submit'd to) behaves as
// "no management available": GetTicket always reports none pending.
func NewInterface(depth int) *Interface {
	return &Interface{tickets: make(chan *Ticket, depth)}
}

// Submit enqueues a ticket for the copier to pick up. It blocks if the
// queue is full.
func (m *Interface) Submit(t *Ticket) { m.tickets <- t }

// GetTicket returns the next pending ticket without blocking.
func (m *Interface) GetTicket() (*Ticket, bool) {
	select {
	case t := <-m.tickets:
		return t, true
	default:
		return nil, false
	}
}

// GetTicketBlocking waits for the next ticket, used by the daemon's idle
// loop between runs.
func (m *Interface) GetTicketBlocking() *Ticket {
	return <-m.tickets
}
