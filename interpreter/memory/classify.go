package memory

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/frobware/go-trafficctl"
	"github.com/frobware/go-trafficctl/interpreter"
)

// Protocol is the transport protocol of a simulated packet.
type Protocol int

const (
	ProtoOther Protocol = iota
	ProtoTCP
	ProtoUDP
)

// Packet is one simulated packet seen on a cgroup hook.
type Packet struct {
	Cookie     trafficctl.Cookie
	SocketUID  uint32 // owner used when the socket is not tagged
	IfaceIndex uint32
	Protocol   Protocol
	Bytes      uint64
}

// Deliver runs every program attached to the hook over p, the way the
// kernel runs them for a packet crossing the cgroup boundary.
func (k *Kernel) Deliver(cgroupPath string, attach trafficctl.AttachType, p Packet) error {
	k.mu.Lock()
	progs := append([]*program(nil), k.attached[hook{cgroup: cgroupPath, attach: attach}]...)
	k.mu.Unlock()

	var errs []error
	for _, prog := range progs {
		if prog == nil {
			continue
		}
		if err := prog.classify(attach == trafficctl.AttachEgress, p); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prog.name, err))
		}
	}
	return errors.Join(errs...)
}

// classify works on raw bytes at the offsets of the kernel structs,
// independent of the Go types, so it catches layout drift.
func (p *program) classify(egress bool, pkt Packet) error {
	cookieTag, uidCounterSet := p.maps[trafficctl.CookieTagMapName], p.maps[trafficctl.UidCounterSetMapName]
	uidStats, tagStats := p.maps[trafficctl.UidStatsMapName], p.maps[trafficctl.TagStatsMapName]
	if cookieTag == nil || uidCounterSet == nil || uidStats == nil || tagStats == nil {
		return errors.New("program loaded without its maps")
	}

	uid, tag := pkt.SocketUID, uint32(0)
	ck := binary.NativeEndian.AppendUint64(nil, uint64(pkt.Cookie))
	if v, err := cookieTag.Lookup(ck); err == nil {
		uid = binary.NativeEndian.Uint32(v[0:4])
		tag = binary.NativeEndian.Uint32(v[4:8])
	} else if !errors.Is(err, interpreter.ErrNotFound) {
		return err
	}

	counterSet := uint32(0)
	if v, err := uidCounterSet.Lookup(binary.NativeEndian.AppendUint32(nil, uid)); err == nil {
		counterSet = binary.NativeEndian.Uint32(v[0:4])
	} else if !errors.Is(err, interpreter.ErrNotFound) {
		return err
	}

	// Value layout: {rx,tx} x {tcp,udp,other} x {packets,bytes}, with
	// protocol as the outer grouping.
	off := 0
	switch pkt.Protocol {
	case ProtoTCP:
		off = 0
	case ProtoUDP:
		off = 32
	default:
		off = 64
	}
	if egress {
		off += 16
	}

	key := func(tag uint32) []byte {
		b := make([]byte, 16)
		binary.NativeEndian.PutUint32(b[0:4], uid)
		binary.NativeEndian.PutUint32(b[4:8], tag)
		binary.NativeEndian.PutUint32(b[8:12], counterSet)
		binary.NativeEndian.PutUint32(b[12:16], pkt.IfaceIndex)
		return b
	}

	if err := bump(uidStats, key(0), off, pkt.Bytes); err != nil {
		return err
	}
	if tag != 0 {
		return bump(tagStats, key(tag), off, pkt.Bytes)
	}
	return nil
}

func bump(m interpreter.RawMap, key []byte, off int, n uint64) error {
	v, err := m.Lookup(key)
	if errors.Is(err, interpreter.ErrNotFound) {
		v = make([]byte, trafficctl.StatsSize)
	} else if err != nil {
		return err
	}
	binary.NativeEndian.PutUint64(v[off:], binary.NativeEndian.Uint64(v[off:])+1)
	binary.NativeEndian.PutUint64(v[off+8:], binary.NativeEndian.Uint64(v[off+8:])+n)
	return m.Update(key, v)
}
