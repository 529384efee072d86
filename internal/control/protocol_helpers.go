package control

import (
	"time"

	"github.com/lanconf/hub/internal/chat"
	"github.com/lanconf/hub/internal/proto"
)

func tsString(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func toHistoryEntry(e chat.Entry) proto.HistoryEntry {
	return proto.HistoryEntry{
		TS:        tsString(e.TS),
		UID:       e.UID,
		Username:  e.Username,
		Text:      e.Text,
		Kind:      string(e.Kind),
		TargetUID: e.TargetUID,
	}
}

func toHistoryEntries(entries []chat.Entry) []proto.HistoryEntry {
	out := make([]proto.HistoryEntry, len(entries))
	for i, e := range entries {
		out[i] = toHistoryEntry(e)
	}
	return out
}
