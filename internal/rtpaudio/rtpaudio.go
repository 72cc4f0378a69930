// Package rtpaudio is the real-time FrontendAdapter: it joins a
// multicast RTP audio stream (as produced by an SDR server's stereo
// I/Q output) and pushes decoded frames into a waterfall.SampleSink.
// Grounded on the teacher's spectrum.go (multicast join, SO_REUSEPORT)
// and audio.go (pion/rtp unmarshal + per-packet buffer copy).
package rtpaudio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"syscall"

	"github.com/pion/rtp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/cwsl/waterfall-recorder/internal/waterfall"
	"github.com/cwsl/waterfall-recorder/internal/wftime"
)

// Config describes the multicast RTP source carrying stereo I/Q audio.
type Config struct {
	// GroupAddr is "host:port" of the multicast group, e.g.
	// "239.1.2.3:5004".
	GroupAddr string
	// Iface optionally pins the join to a specific network interface;
	// empty lets the kernel pick.
	Iface string
	// SampleRate is used when the stream itself carries none (most RTP
	// audio profiles fix it out of band); defaults to 48000.
	SampleRate uint32
	// ReadBufferBytes sizes the UDP read buffer; 0 uses a 64 KiB
	// default, large enough for any single UDP datagram.
	ReadBufferBytes int
}

const defaultReadBuffer = 65536

// Run joins the configured multicast group, drives sink through
// StartStream/Process/EndStream, and returns when ctx is canceled or
// an unrecoverable socket error occurs. It never blocks the caller
// past ctx cancellation: the read loop polls ctx.Done() between
// packets, the cooperative cancellation point spec.md §9 calls for in
// place of the original's signal-handler callback stack.
func Run(ctx context.Context, cfg Config, sink waterfall.SampleSink) error {
	rate := cfg.SampleRate
	if rate == 0 {
		rate = 48000
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	_, portStr, err := net.SplitHostPort(cfg.GroupAddr)
	if err != nil {
		return fmt.Errorf("rtpaudio: parsing group address %q: %w", cfg.GroupAddr, err)
	}
	pc, err := lc.ListenPacket(ctx, "udp4", ":"+portStr)
	if err != nil {
		return fmt.Errorf("rtpaudio: listen: %w", err)
	}
	defer pc.Close()

	groupAddr, err := net.ResolveUDPAddr("udp4", cfg.GroupAddr)
	if err != nil {
		return fmt.Errorf("rtpaudio: resolving %q: %w", cfg.GroupAddr, err)
	}

	p := ipv4.NewPacketConn(pc)
	var iface *net.Interface
	if cfg.Iface != "" {
		iface, err = net.InterfaceByName(cfg.Iface)
		if err != nil {
			return fmt.Errorf("rtpaudio: interface %q: %w", cfg.Iface, err)
		}
	}
	if err := p.JoinGroup(iface, groupAddr); err != nil {
		return fmt.Errorf("rtpaudio: joining multicast group %s: %w", cfg.GroupAddr, err)
	}
	defer p.LeaveGroup(iface, groupAddr)

	streamInfo := waterfall.StreamInfo{
		KnownLength: false,
		SampleRate:  rate,
		TimeOffset:  wftime.Now(),
	}
	if err := sink.StartStream(streamInfo); err != nil {
		return fmt.Errorf("rtpaudio: StartStream: %w", err)
	}
	defer sink.EndStream()

	bufSize := cfg.ReadBufferBytes
	if bufSize <= 0 {
		bufSize = defaultReadBuffer
	}
	raw := make([]byte, bufSize)

	var offset uint64
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		pc.Close()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, _, err := pc.ReadFrom(raw)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("rtpaudio: read: %w", err)
		}

		// Copy before handing off: pion/rtp's Unmarshal retains
		// references into the buffer it is given, and raw is reused
		// on the next ReadFrom.
		packetBytes := make([]byte, n)
		copy(packetBytes, raw[:n])

		var pkt rtp.Packet
		if err := pkt.Unmarshal(packetBytes); err != nil {
			log.Printf("rtpaudio: dropping malformed RTP packet: %v", err)
			continue
		}

		batch, err := decodeIQPayload(pkt.Payload)
		if err != nil {
			log.Printf("rtpaudio: dropping packet with bad payload: %v", err)
			continue
		}
		if len(batch) == 0 {
			continue
		}

		info := waterfall.BatchInfo{
			Offset:     offset,
			TimeOffset: streamInfo.TimeOffset.AddSamples(int64(offset), rate),
		}
		sink.Process(batch, info)
		offset += uint64(len(batch))
	}
}

// decodeIQPayload interprets an RTP payload as interleaved 16-bit PCM
// stereo (I=left, Q=right), the same framing as the WAVE frontend.
func decodeIQPayload(payload []byte) ([]complex128, error) {
	const frameBytes = 4
	if len(payload)%frameBytes != 0 {
		return nil, fmt.Errorf("payload length %d is not a multiple of %d", len(payload), frameBytes)
	}
	frames := len(payload) / frameBytes
	out := make([]complex128, frames)
	for i := 0; i < frames; i++ {
		base := i * frameBytes
		left := int16(binary.LittleEndian.Uint16(payload[base:]))
		right := int16(binary.LittleEndian.Uint16(payload[base+2:]))
		out[i] = complex(float64(left)/32768.0, float64(right)/32768.0)
	}
	return out, nil
}
