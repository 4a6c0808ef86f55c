// Package auditdb implements sqlite3 storage for a rolling audit log of
// RERR and retry-exhaustion events, for postmortem debugging of flaky
// mesh links. This is diagnostics, not routing-state persistence: the
// router's tables themselves are always in-memory.
package auditdb

import (
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/meshrtr/meshrtr/pkg/wire"
)

// EventType identifies the kind of audit event recorded.
type EventType string

const (
	EventRERR           EventType = "rerr"
	EventRetryExhausted EventType = "retry_exhausted"
)

// Event is one row of the audit log.
type Event struct {
	ID          int64     `db:"id"`
	Time        time.Time `db:"-"`
	UnixTime    int64     `db:"ts"`
	Type        string    `db:"event_type"`
	Origin      uint32    `db:"origin"`
	Destination uint32    `db:"destination"`
	BrokenNode  uint32    `db:"broken_node"`
	FromUser    uint32    `db:"from_user"`
	ToUser      uint32    `db:"to_user"`
	PacketID    uint32    `db:"packet_id"`
}

// DB stores audit events in a sqlite3 database.
type DB struct {
	x *sqlx.DB
}

// Open opens a DB from the provided sqlite3 filename, enabling WAL mode
// the same way the teacher's atlasdb does for fast sequential writes.
func Open(name string) (*DB, error) {
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_cache_size":   {"-16000"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	return &DB{x}, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

// RecordRERR appends an audit row for a RERR this node emitted.
func (db *DB) RecordRERR(at time.Time, origin, broken, destination wire.NodeID, packetID wire.PacketID) error {
	return db.insert(Event{
		UnixTime:    at.Unix(),
		Type:        string(EventRERR),
		Origin:      uint32(origin),
		Destination: uint32(destination),
		BrokenNode:  uint32(broken),
		PacketID:    uint32(packetID),
	})
}

// RecordRetryExhausted appends an audit row for a locally originated send
// that exhausted its retransmissions without being acknowledged.
func (db *DB) RecordRetryExhausted(at time.Time, origin wire.NodeID, fromUser, toUser wire.UserID, packetID wire.PacketID) error {
	return db.insert(Event{
		UnixTime: at.Unix(),
		Type:     string(EventRetryExhausted),
		Origin:   uint32(origin),
		FromUser: uint32(fromUser),
		ToUser:   uint32(toUser),
		PacketID: uint32(packetID),
	})
}

func (db *DB) insert(e Event) error {
	_, err := db.x.NamedExec(`
		INSERT INTO
		audit_events ( ts,  event_type,  origin,  destination,  broken_node,  from_user,  to_user,  packet_id)
		VALUES       (:ts, :event_type, :origin, :destination, :broken_node, :from_user, :to_user, :packet_id)
	`, e)
	return err
}

// Recent returns the limit most recently recorded events, newest first.
func (db *DB) Recent(limit int) ([]Event, error) {
	var es []Event
	if err := db.x.Select(&es, `SELECT * FROM audit_events ORDER BY id DESC LIMIT ?`, limit); err != nil {
		return nil, err
	}
	for i := range es {
		es[i].Time = time.Unix(es[i].UnixTime, 0)
	}
	return es, nil
}
