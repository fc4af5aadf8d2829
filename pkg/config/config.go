// Package config defines the tunable parameters of the mesh transport
// and loads them from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/GreatApe42069/dogechat-android-sub001/pkg/utils"
)

// Default mesh parameters. FragmentThreshold and MaxFragmentSize are a
// shared protocol contract: every node on the mesh must agree on them
// or reassembly breaks.
const (
	DefaultFragmentThreshold     = 512
	DefaultMaxFragmentSize       = 469
	DefaultReassemblyTimeout     = 30 * time.Second
	DefaultFragmentSweepInterval = 10 * time.Second
	DefaultStalePeerTimeout      = 3 * time.Minute
	DefaultPeerSweepInterval     = 30 * time.Second
	DefaultRecentSeenWindow      = 10 * time.Second
	DefaultAnnounceInterval      = 30 * time.Second
	DefaultMaxTrackedPeers       = 512
	DefaultMaxPendingGroups      = 256
)

// Config validation errors
var (
	ErrFragmentSizeInvalid = errors.New("max fragment size must be positive and below the fragment threshold")
	ErrTimeoutInvalid      = errors.New("timeout must be positive")
	ErrLimitInvalid        = errors.New("limit must be positive")
)

// MeshConfig holds the mesh transport parameters
type MeshConfig struct {
	// FragmentThreshold is the encoded packet size above which packets
	// are split into fragments
	FragmentThreshold int

	// MaxFragmentSize is the largest payload slice carried by a single
	// fragment. Must be strictly below FragmentThreshold so fragment
	// packets themselves never qualify for fragmentation.
	MaxFragmentSize int

	// ReassemblyTimeout is how long an incomplete fragment group is
	// retained before being discarded
	ReassemblyTimeout time.Duration

	// FragmentSweepInterval is how often expired fragment groups are
	// swept
	FragmentSweepInterval time.Duration

	// StalePeerTimeout is how long a disconnected peer stays active
	// after it was last seen. The same value drives both the active
	// peer queries and the background sweep.
	StalePeerTimeout time.Duration

	// PeerSweepInterval is how often stale peers are swept
	PeerSweepInterval time.Duration

	// RecentSeenWindow is the grace period protecting a peer from
	// nickname-conflict eviction when it was seen recently
	RecentSeenWindow time.Duration

	// AnnounceInterval is how often the local node re-announces itself
	AnnounceInterval time.Duration

	// MaxTrackedPeers bounds the peer directory
	MaxTrackedPeers int

	// MaxPendingGroups bounds concurrent in-progress reassemblies
	MaxPendingGroups int
}

// DefaultMeshConfig returns the stock parameters
func DefaultMeshConfig() *MeshConfig {
	return &MeshConfig{
		FragmentThreshold:     DefaultFragmentThreshold,
		MaxFragmentSize:       DefaultMaxFragmentSize,
		ReassemblyTimeout:     DefaultReassemblyTimeout,
		FragmentSweepInterval: DefaultFragmentSweepInterval,
		StalePeerTimeout:      DefaultStalePeerTimeout,
		PeerSweepInterval:     DefaultPeerSweepInterval,
		RecentSeenWindow:      DefaultRecentSeenWindow,
		AnnounceInterval:      DefaultAnnounceInterval,
		MaxTrackedPeers:       DefaultMaxTrackedPeers,
		MaxPendingGroups:      DefaultMaxPendingGroups,
	}
}

// LoadMeshConfig reads mesh parameters from the config manager,
// falling back to defaults
func LoadMeshConfig(cm *utils.ConfigManager) *MeshConfig {
	return &MeshConfig{
		FragmentThreshold:     cm.GetIntRange("MESH_FRAGMENT_THRESHOLD", DefaultFragmentThreshold, 64, 65535),
		MaxFragmentSize:       cm.GetIntRange("MESH_MAX_FRAGMENT_SIZE", DefaultMaxFragmentSize, 1, 65535),
		ReassemblyTimeout:     cm.GetDuration("MESH_REASSEMBLY_TIMEOUT", DefaultReassemblyTimeout),
		FragmentSweepInterval: cm.GetDuration("MESH_FRAGMENT_SWEEP_INTERVAL", DefaultFragmentSweepInterval),
		StalePeerTimeout:      cm.GetDuration("MESH_STALE_PEER_TIMEOUT", DefaultStalePeerTimeout),
		PeerSweepInterval:     cm.GetDuration("MESH_PEER_SWEEP_INTERVAL", DefaultPeerSweepInterval),
		RecentSeenWindow:      cm.GetDuration("MESH_RECENT_SEEN_WINDOW", DefaultRecentSeenWindow),
		AnnounceInterval:      cm.GetDuration("MESH_ANNOUNCE_INTERVAL", DefaultAnnounceInterval),
		MaxTrackedPeers:       cm.GetIntRange("MESH_MAX_TRACKED_PEERS", DefaultMaxTrackedPeers, 1, 1<<20),
		MaxPendingGroups:      cm.GetIntRange("MESH_MAX_PENDING_GROUPS", DefaultMaxPendingGroups, 1, 1<<20),
	}
}

// Validate checks the configuration for internal consistency
func (c *MeshConfig) Validate() error {
	if c.MaxFragmentSize <= 0 || c.MaxFragmentSize >= c.FragmentThreshold {
		return fmt.Errorf("%w: size=%d threshold=%d", ErrFragmentSizeInvalid, c.MaxFragmentSize, c.FragmentThreshold)
	}
	for name, d := range map[string]time.Duration{
		"reassembly timeout":      c.ReassemblyTimeout,
		"fragment sweep interval": c.FragmentSweepInterval,
		"stale peer timeout":      c.StalePeerTimeout,
		"peer sweep interval":     c.PeerSweepInterval,
		"recent seen window":      c.RecentSeenWindow,
		"announce interval":       c.AnnounceInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s", ErrTimeoutInvalid, name)
		}
	}
	if c.MaxTrackedPeers <= 0 {
		return fmt.Errorf("%w: max tracked peers", ErrLimitInvalid)
	}
	if c.MaxPendingGroups <= 0 {
		return fmt.Errorf("%w: max pending groups", ErrLimitInvalid)
	}
	return nil
}
