package goed2k

import (
	"time"

	"github.com/goed2k/goed2k/proto"
)

// Settings carries every knob the session honors. Field vocabulary
// follows the classic session_settings naming.
type Settings struct {
	ListenPort uint16
	ClientName string
	ModName    string
	UserAgent  proto.ED2KHash
	AppVersion uint32

	// timeouts, seconds unless a Duration
	PeerTimeout         time.Duration
	PeerConnectTimeout  time.Duration
	BlockRequestTimeout time.Duration
	KeepAliveTimeout    time.Duration
	ReconnectTimeout    time.Duration
	AnnounceTimeout     time.Duration

	// peer policy
	MaxFailCount     int
	MinReconnectTime time.Duration
	MaxPeerListSize  int

	// connection fabric
	ConnectionSpeed  int // outbound connect attempts per second
	HalfOpenLimit    int
	ConnectionsLimit int
	TickInterval     time.Duration

	// bandwidth, bytes per second, zero means unlimited
	DownloadRateLimit int
	UploadRateLimit   int

	// upload slots
	UnchokeSlotsLimit int

	// announces
	AnnounceItemsPerCallLimit int

	// disk
	MaxQueuedDiskBytes             int
	MaxQueuedDiskBytesLowWatermark int
	FilePoolSize                   int

	// resume
	KnownFile               string
	IgnoreResumeTimestamps  bool
	NoRecheckIncompleteData bool

	// alerts
	AlertQueueSize int

	// kad
	SearchBranching int
	MaxPeersReply   int
}

func DefaultSettings() Settings {
	return Settings{
		ListenPort:                4662,
		ClientName:                "goed2k",
		ModName:                   "goed2k",
		UserAgent:                 proto.EMULE,
		AppVersion:                0x3c,
		PeerTimeout:               120 * time.Second,
		PeerConnectTimeout:        7 * time.Second,
		BlockRequestTimeout:       10 * time.Second,
		KeepAliveTimeout:          200 * time.Second,
		ReconnectTimeout:          5 * time.Second,
		AnnounceTimeout:           60 * time.Second,
		MaxFailCount:              3,
		MinReconnectTime:          60 * time.Second,
		MaxPeerListSize:           100,
		ConnectionSpeed:           6,
		HalfOpenLimit:             9,
		ConnectionsLimit:          200,
		TickInterval:              100 * time.Millisecond,
		UnchokeSlotsLimit:         8,
		AnnounceItemsPerCallLimit: 60,
		MaxQueuedDiskBytes:        1024 * 1024,
		MaxQueuedDiskBytesLowWatermark: 512 * 1024,
		FilePoolSize:              40,
		KnownFile:                 "known.db",
		AlertQueueSize:            1000,
		SearchBranching:           5,
		MaxPeersReply:             100,
	}
}
