// Package mesh assembles the transport core: packet fragmentation and
// reassembly, inbound dispatch, peer announcement handling, and the
// service that ties them to a transport and the peer directory.
package mesh

import "sync/atomic"

// Metrics counts mesh service activity. All counters are updated
// atomically and safe for concurrent use.
type Metrics struct {
	packetsSent         uint64
	packetsReceived     uint64
	packetsDropped      uint64
	fragmentsCreated    uint64
	fragmentsReceived   uint64
	fragmentsDropped    uint64
	messagesReassembled uint64
	reassembliesExpired uint64
	announcesSent       uint64
	announcesReceived   uint64
	peersVerified       uint64
	sendErrors          uint64
}

// MetricsSnapshot is a point-in-time copy of all counters
type MetricsSnapshot struct {
	PacketsSent         uint64
	PacketsReceived     uint64
	PacketsDropped      uint64
	FragmentsCreated    uint64
	FragmentsReceived   uint64
	FragmentsDropped    uint64
	MessagesReassembled uint64
	ReassembliesExpired uint64
	AnnouncesSent       uint64
	AnnouncesReceived   uint64
	PeersVerified       uint64
	SendErrors          uint64
}

// NewMetrics creates a zeroed metrics set
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncPacketsSent()     { atomic.AddUint64(&m.packetsSent, 1) }
func (m *Metrics) IncPacketsReceived() { atomic.AddUint64(&m.packetsReceived, 1) }
func (m *Metrics) IncPacketsDropped()  { atomic.AddUint64(&m.packetsDropped, 1) }

func (m *Metrics) AddFragmentsCreated(n int) {
	if n > 0 {
		atomic.AddUint64(&m.fragmentsCreated, uint64(n))
	}
}

func (m *Metrics) IncFragmentsReceived()   { atomic.AddUint64(&m.fragmentsReceived, 1) }
func (m *Metrics) IncFragmentsDropped()    { atomic.AddUint64(&m.fragmentsDropped, 1) }
func (m *Metrics) IncMessagesReassembled() { atomic.AddUint64(&m.messagesReassembled, 1) }

func (m *Metrics) AddReassembliesExpired(n int) {
	if n > 0 {
		atomic.AddUint64(&m.reassembliesExpired, uint64(n))
	}
}

func (m *Metrics) IncAnnouncesSent()     { atomic.AddUint64(&m.announcesSent, 1) }
func (m *Metrics) IncAnnouncesReceived() { atomic.AddUint64(&m.announcesReceived, 1) }
func (m *Metrics) IncPeersVerified()     { atomic.AddUint64(&m.peersVerified, 1) }
func (m *Metrics) IncSendErrors()        { atomic.AddUint64(&m.sendErrors, 1) }

// GetSnapshot returns a consistent copy of every counter
func (m *Metrics) GetSnapshot() MetricsSnapshot {
	return MetricsSnapshot{
		PacketsSent:         atomic.LoadUint64(&m.packetsSent),
		PacketsReceived:     atomic.LoadUint64(&m.packetsReceived),
		PacketsDropped:      atomic.LoadUint64(&m.packetsDropped),
		FragmentsCreated:    atomic.LoadUint64(&m.fragmentsCreated),
		FragmentsReceived:   atomic.LoadUint64(&m.fragmentsReceived),
		FragmentsDropped:    atomic.LoadUint64(&m.fragmentsDropped),
		MessagesReassembled: atomic.LoadUint64(&m.messagesReassembled),
		ReassembliesExpired: atomic.LoadUint64(&m.reassembliesExpired),
		AnnouncesSent:       atomic.LoadUint64(&m.announcesSent),
		AnnouncesReceived:   atomic.LoadUint64(&m.announcesReceived),
		PeersVerified:       atomic.LoadUint64(&m.peersVerified),
		SendErrors:          atomic.LoadUint64(&m.sendErrors),
	}
}
