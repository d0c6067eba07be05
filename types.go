// Package trafficctl holds the types shared between the userspace
// accounting core and the kernel classification program.
//
// The struct layouts in this file are a binary contract: the kernel
// program reads and writes map entries with exactly these field orders
// and sizes, in host byte order, with no padding.
package trafficctl

import "fmt"

// Cookie is the kernel-assigned identifier of an open socket. It is
// stable for the lifetime of the socket and never reused while the
// socket is open.
type Cookie uint64

// Valid reports whether c can name a socket.
func (c Cookie) Valid() bool { return c != NonexistentCookie }

// UidTag is the CookieTag map value.
type UidTag struct {
	UID uint32 `json:"uid"`
	Tag uint32 `json:"tag"`
}

func (t UidTag) String() string {
	return fmt.Sprintf("uid=%d tag=%#x", t.UID, t.Tag)
}

// StatsKey addresses one traffic counter bucket in UidStats or TagStats.
// Tag is always 0 in UidStats and never 0 in TagStats.
type StatsKey struct {
	UID        uint32 `json:"uid"`
	Tag        uint32 `json:"tag"`
	CounterSet uint32 `json:"counter_set"`
	IfaceIndex uint32 `json:"iface_index"`
}

// NonexistentStatsKey is the placeholder key written for overflowed
// traffic. It carries no real owner and is skipped when summarising.
var NonexistentStatsKey = StatsKey{UID: DefaultOverflowUID}

// IsOverflow reports whether k is the overflow placeholder.
func (k StatsKey) IsOverflow() bool { return k == NonexistentStatsKey }

func (k StatsKey) String() string {
	return fmt.Sprintf("uid=%d tag=%#x set=%d iface=%d", k.UID, k.Tag, k.CounterSet, k.IfaceIndex)
}

// Stats is the UidStats and TagStats map value.
type Stats struct {
	RxTCPPackets   uint64 `json:"rx_tcp_packets"`
	RxTCPBytes     uint64 `json:"rx_tcp_bytes"`
	TxTCPPackets   uint64 `json:"tx_tcp_packets"`
	TxTCPBytes     uint64 `json:"tx_tcp_bytes"`
	RxUDPPackets   uint64 `json:"rx_udp_packets"`
	RxUDPBytes     uint64 `json:"rx_udp_bytes"`
	TxUDPPackets   uint64 `json:"tx_udp_packets"`
	TxUDPBytes     uint64 `json:"tx_udp_bytes"`
	RxOtherPackets uint64 `json:"rx_other_packets"`
	RxOtherBytes   uint64 `json:"rx_other_bytes"`
	TxOtherPackets uint64 `json:"tx_other_packets"`
	TxOtherBytes   uint64 `json:"tx_other_bytes"`
}

// Binary sizes of the map keys and values.
const (
	CookieSize     = 8
	UidTagSize     = 8
	UIDSize        = 4
	CounterSetSize = 4
	StatsKeySize   = 16
	StatsSize      = 96
)

// RxBytes returns received bytes across all protocols.
func (s Stats) RxBytes() uint64 { return s.RxTCPBytes + s.RxUDPBytes + s.RxOtherBytes }

// TxBytes returns transmitted bytes across all protocols.
func (s Stats) TxBytes() uint64 { return s.TxTCPBytes + s.TxUDPBytes + s.TxOtherBytes }

// RxPackets returns received packets across all protocols.
func (s Stats) RxPackets() uint64 { return s.RxTCPPackets + s.RxUDPPackets + s.RxOtherPackets }

// TxPackets returns transmitted packets across all protocols.
func (s Stats) TxPackets() uint64 { return s.TxTCPPackets + s.TxUDPPackets + s.TxOtherPackets }

// Add returns the field-wise sum of s and o.
func (s Stats) Add(o Stats) Stats {
	return Stats{
		RxTCPPackets:   s.RxTCPPackets + o.RxTCPPackets,
		RxTCPBytes:     s.RxTCPBytes + o.RxTCPBytes,
		TxTCPPackets:   s.TxTCPPackets + o.TxTCPPackets,
		TxTCPBytes:     s.TxTCPBytes + o.TxTCPBytes,
		RxUDPPackets:   s.RxUDPPackets + o.RxUDPPackets,
		RxUDPBytes:     s.RxUDPBytes + o.RxUDPBytes,
		TxUDPPackets:   s.TxUDPPackets + o.TxUDPPackets,
		TxUDPBytes:     s.TxUDPBytes + o.TxUDPBytes,
		RxOtherPackets: s.RxOtherPackets + o.RxOtherPackets,
		RxOtherBytes:   s.RxOtherBytes + o.RxOtherBytes,
		TxOtherPackets: s.TxOtherPackets + o.TxOtherPackets,
		TxOtherBytes:   s.TxOtherBytes + o.TxOtherBytes,
	}
}

// StatsEntry is one bucket read back from a stats map.
type StatsEntry struct {
	Key   StatsKey `json:"key"`
	Stats Stats    `json:"stats"`
}
