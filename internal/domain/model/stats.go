package model

// GatewayStats is the coarse operational snapshot served by the stats
// endpoint: live delivery state from the broker next to durable totals
// from storage.
type GatewayStats struct {
	GatewayID     string `json:"gateway_id"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Links         int    `json:"links"`
	Lanes         int    `json:"lanes"`
	Subscribers   int    `json:"subscribers"`
	DroppedFrames uint64 `json:"dropped_frames"`
	Conversations int64  `json:"conversations"`
	Events        int64  `json:"events"`
	LiveSessions  int64  `json:"live_sessions"`
}

type LaneStats struct {
	ConvID      ConvID `json:"conv_id"`
	Subscribers int    `json:"subscribers"`
	HeadSeq     uint64 `json:"head_seq"`
}
