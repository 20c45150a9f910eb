package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RolloutLineType tags a persisted rollout record.
type RolloutLineType string

const (
	LineSessionMeta     RolloutLineType = "session_meta"
	LineResponseItem    RolloutLineType = "response_item"
	LineHistorySnapshot RolloutLineType = "history_snapshot"
	LineEventMsg        RolloutLineType = "event_msg"
)

// SessionMeta is the first record of every rollout.
type SessionMeta struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Cwd          string    `json:"cwd"`
	Originator   string    `json:"originator"`
	Version      string    `json:"cli_version"`
	Instructions string    `json:"instructions,omitempty"`
	ForkedFrom   string    `json:"forked_from,omitempty"`
}

// RolloutLine is one newline-delimited record of a session log. Exactly one
// of Meta, Item, Snapshot or Event is set, matching Type.
type RolloutLine struct {
	Timestamp time.Time
	Type      RolloutLineType
	Meta      *SessionMeta
	Item      Item
	Snapshot  []Item
	Event     string
}

// MetaLine builds a session_meta line.
func MetaLine(meta SessionMeta) RolloutLine {
	return RolloutLine{Timestamp: time.Now().UTC(), Type: LineSessionMeta, Meta: &meta}
}

// ItemLine builds a response_item line.
func ItemLine(item Item) RolloutLine {
	return RolloutLine{Timestamp: time.Now().UTC(), Type: LineResponseItem, Item: item}
}

// SnapshotLine builds a history_snapshot line; replaying it replaces history.
func SnapshotLine(items []Item) RolloutLine {
	return RolloutLine{Timestamp: time.Now().UTC(), Type: LineHistorySnapshot, Snapshot: items}
}

// EventLine builds an event_msg marker line.
func EventLine(kind string) RolloutLine {
	return RolloutLine{Timestamp: time.Now().UTC(), Type: LineEventMsg, Event: kind}
}

type rolloutWire struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      RolloutLineType `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON implements json.Marshaler.
func (l RolloutLine) MarshalJSON() ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	switch l.Type {
	case LineSessionMeta:
		payload, err = json.Marshal(l.Meta)
	case LineResponseItem:
		payload, err = json.Marshal(l.Item)
	case LineHistorySnapshot:
		payload, err = json.Marshal(l.Snapshot)
	case LineEventMsg:
		payload, err = json.Marshal(map[string]string{"type": l.Event})
	default:
		return nil, fmt.Errorf("unknown rollout line type %q", l.Type)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(rolloutWire{Timestamp: l.Timestamp, Type: l.Type, Payload: payload})
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *RolloutLine) UnmarshalJSON(data []byte) error {
	var wire rolloutWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*l = RolloutLine{Timestamp: wire.Timestamp, Type: wire.Type}
	switch wire.Type {
	case LineSessionMeta:
		var meta SessionMeta
		if err := json.Unmarshal(wire.Payload, &meta); err != nil {
			return err
		}
		l.Meta = &meta
	case LineResponseItem:
		item, err := UnmarshalItem(wire.Payload)
		if err != nil {
			return err
		}
		l.Item = item
	case LineHistorySnapshot:
		var raws []json.RawMessage
		if err := json.Unmarshal(wire.Payload, &raws); err != nil {
			return err
		}
		l.Snapshot = make([]Item, 0, len(raws))
		for _, raw := range raws {
			item, err := UnmarshalItem(raw)
			if err != nil {
				return err
			}
			l.Snapshot = append(l.Snapshot, item)
		}
	case LineEventMsg:
		var ev struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(wire.Payload, &ev); err != nil {
			return err
		}
		l.Event = ev.Type
	default:
		return fmt.Errorf("unknown rollout line type %q", wire.Type)
	}
	return nil
}

// ReplayRollout rebuilds session metadata and history from persisted lines.
// The first line must be session metadata.
func ReplayRollout(lines []RolloutLine) (SessionMeta, []Item, error) {
	if len(lines) == 0 || lines[0].Type != LineSessionMeta || lines[0].Meta == nil {
		return SessionMeta{}, nil, ErrSessionMetaMissing
	}
	var items []Item
	for _, l := range lines[1:] {
		switch l.Type {
		case LineResponseItem:
			if l.Item != nil {
				items = append(items, l.Item)
			}
		case LineHistorySnapshot:
			items = append([]Item(nil), l.Snapshot...)
		}
	}
	return *lines[0].Meta, items, nil
}

// RolloutStore persists append-only session logs.
type RolloutStore interface {
	Append(ctx context.Context, sessionID string, lines ...RolloutLine) error
	Load(ctx context.Context, sessionID string) ([]RolloutLine, error)
}
