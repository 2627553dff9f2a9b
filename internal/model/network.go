package model

import "time"

// BandwidthClass buckets the estimated downlink.
type BandwidthClass string

const (
	BandwidthExcellent BandwidthClass = "excellent"
	BandwidthGood      BandwidthClass = "good"
	BandwidthFair      BandwidthClass = "fair"
	BandwidthPoor      BandwidthClass = "poor"
)

// LatencyClass buckets the measured round-trip time.
type LatencyClass string

const (
	LatencyLow    LatencyClass = "low"
	LatencyMedium LatencyClass = "medium"
	LatencyHigh   LatencyClass = "high"
)

// ConnectionType is the platform-reported link type, when available.
type ConnectionType string

const (
	ConnectionEthernet ConnectionType = "ethernet"
	ConnectionWifi     ConnectionType = "wifi"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionUnknown  ConnectionType = "unknown"
)

// LinkState is the raw passive signal read from the connectivity source.
type LinkState struct {
	Online       bool           `json:"online"`
	DownlinkMbps float64        `json:"downlink_mbps"`
	RTT          time.Duration  `json:"rtt"`
	Type         ConnectionType `json:"type"`
}

// NetworkQuality is a point-in-time assessment of the link. Only a bounded
// rolling history is retained, for trend prediction.
type NetworkQuality struct {
	Online              bool           `json:"online"`
	IsStable            bool           `json:"is_stable"`
	BandwidthClass      BandwidthClass `json:"bandwidth_class"`
	LatencyClass        LatencyClass   `json:"latency_class"`
	Reliability         float64        `json:"reliability"`
	Confidence          Confidence     `json:"confidence"`
	RecommendedStrategy SyncMode       `json:"recommended_strategy"`
	AssessedAt          time.Time      `json:"assessed_at"`
}
