package model

import "time"

// ClientRecord is one known instance. LastSeen is milliseconds since the
// Unix epoch; zero means the backing store does not track recency.
type ClientRecord struct {
	Identifier string `json:"instance"`
	LastSeen   int64  `json:"seen"`
}

// Summary is the operator view of the remote store.
type Summary struct {
	Count    int            `json:"count"`
	LastSeen []ClientRecord `json:"lastSeen"`
}

// InstanceDocument is the on-disk schema of the file-backed store.
type InstanceDocument struct {
	Count     int      `json:"count"`
	Instances []string `json:"instances"`
}

// CheckinSource tells which endpoint produced a check-in.
type CheckinSource string

const (
	SourceApp     CheckinSource = "app"
	SourceAddress CheckinSource = "address"
)

// CheckinEvent is published after a successful check-in. It never carries
// the raw client address.
type CheckinEvent struct {
	EventID  string        `json:"event_id"`
	Instance string        `json:"instance"`
	Seen     int64         `json:"seen"`
	Source   CheckinSource `json:"source"`
}

// NowMillis returns t as milliseconds since the Unix epoch.
func NowMillis(t time.Time) int64 {
	return t.UnixMilli()
}
