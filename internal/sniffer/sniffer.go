// Package sniffer wraps gopacket/pcap's live capture handle behind a
// narrow, testable interface and feeds decoded pixel updates into the
// bounded queue (spec.md §4.1, §4.2), mirroring the RawConner seam
// client/doublezerod/internal/pim/server.go uses around its raw socket.
package sniffer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/serverscanning/place-ipv6-server/internal/decoder"
	"github.com/serverscanning/place-ipv6-server/internal/queue"
	"github.com/serverscanning/place-ipv6-server/internal/telemetry"
)

// bpfFilter restricts capture to ICMPv6 traffic only, per spec.md §4.1.
const bpfFilter = "icmp6"

// Handle is the subset of *pcap.Handle the sniffer depends on, so tests
// can substitute a fake packet source without a real capture device.
type Handle interface {
	ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error)
	LinkType() layers.LinkType
	SetBPFFilter(expr string) error
	Close()
}

// OpenLive opens a live promiscuous capture handle on iface, equivalent
// to pcap.OpenLive(iface, snaplen, true, pcap.BlockForever) with the
// ICMPv6 BPF filter applied.
func OpenLive(iface string, snaplen int32) (Handle, error) {
	h, err := pcap.OpenLive(iface, snaplen, true, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("sniffer: open %s: %w (raw-capture privilege required — run as root or grant CAP_NET_RAW)", iface, err)
	}
	if err := h.SetBPFFilter(bpfFilter); err != nil {
		h.Close()
		return nil, fmt.Errorf("sniffer: set BPF filter: %w", err)
	}
	return h, nil
}

// Stats exposes counters for observability.
type Stats struct {
	Captured uint64
	Decoded  uint64
	Rejected uint64
}

// Sniffer reads frames from a Handle, decodes them, and pushes the
// resulting pixel updates onto a queue.Queue.
type Sniffer struct {
	log            *slog.Logger
	handle         Handle
	queue          *queue.Queue
	verifyChecksum bool

	stats Stats
}

// New constructs a Sniffer over an already-open Handle.
func New(log *slog.Logger, handle Handle, q *queue.Queue, verifyChecksum bool) *Sniffer {
	if log == nil {
		log = slog.Default()
	}
	return &Sniffer{log: log, handle: handle, queue: q, verifyChecksum: verifyChecksum}
}

// Run reads and decodes frames until ctx is cancelled or the handle
// returns a terminal error. It never blocks on the downstream queue:
// decoded updates are pushed with drop-newest-on-full semantics.
func (s *Sniffer) Run(ctx context.Context) error {
	isEthernet := s.handle.LinkType() == layers.LinkTypeEthernet

	opts := decoder.Options{LinkIsEthernet: isEthernet, VerifyChecksum: s.verifyChecksum}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, _, err := s.handle.ReadPacketData()
		if err != nil {
			if err == pcap.NextErrorTimeoutExpired {
				continue
			}
			return fmt.Errorf("sniffer: read packet: %w", err)
		}
		s.stats.Captured++
		telemetry.PacketsCaptured.Inc()

		upd, ok := decoder.Decode(data, opts)
		if !ok {
			s.stats.Rejected++
			telemetry.PacketsRejected.Inc()
			continue
		}
		s.stats.Decoded++
		telemetry.PacketsDecoded.Inc()
		s.queue.Push(upd)
	}
}

// Stats returns a snapshot of the sniffer's running counters.
func (s *Sniffer) Stats() Stats {
	return s.stats
}

// Close releases the underlying capture handle.
func (s *Sniffer) Close() {
	s.handle.Close()
}
