package subprotocol

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	kgzip "github.com/klauspost/pgzip"
	"golang.org/x/time/rate"
)

const (
	defaultWindowSize = 3
	defaultPacketSize = 4096
	maxBurstSize      = 256 * 1024
)

// startWindowed is the reference implementation of the g capability: a
// small windowed, packet-sequenced byte-stream transfer with optional
// rate limiting and payload compression. Reliability/retransmission here
// is illustrative only (see package doc) — there is no gap-recovery pass,
// just sequence-tagged packets and a final ack carrying the sequence
// number of the last packet received (the terminal one), enough to
// exercise the capability end to end.
func startWindowed(cfg Config) TransferLoop {
	window := cfg.WindowSize
	if window <= 0 {
		window = defaultWindowSize
	}
	packetSize := cfg.PacketSize
	if packetSize <= 0 {
		packetSize = defaultPacketSize
	}

	return func(conn io.ReadWriter, role Role, setHangup func()) (bool, error) {
		switch role {
		case Caller:
			return sendWindowed(conn, cfg, packetSize, window)
		default:
			return receiveWindowed(conn, cfg)
		}
	}
}

// sendWindowed streams cfg.Payload (nil means "no file queued", a valid and
// common outcome — the loop still exchanges a zero-length terminal packet
// so the answerer can reply with its own SACK and the call completes
// cleanly). window bounds how many packets may sit unflushed in the
// write buffer before being forced onto the wire, standing in for the
// unacknowledged-packet cap a full gap-recovery window would enforce.
func sendWindowed(conn io.ReadWriter, cfg Config, packetSize, window int) (bool, error) {
	var w io.Writer = conn
	limiter := newLimiter(cfg.BytesPerSecond)

	cw, closeCompressor, err := wrapCompressor(w, cfg.Compression)
	if err != nil {
		return false, err
	}
	w = cw

	bw := bufio.NewWriterSize(w, packetSize)

	var seq uint32
	payload := cfg.Payload
	if payload == nil {
		payload = emptyReader{}
	}
	buf := make([]byte, packetSize)
	for {
		n, rerr := payload.Read(buf)
		if n > 0 {
			if err := writePacket(bw, limiter, seq, buf[:n]); err != nil {
				return false, err
			}
			seq++
			if window > 0 && int(seq)%window == 0 {
				if err := bw.Flush(); err != nil {
					return false, fmt.Errorf("subprotocol g: flushing window: %w", err)
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return false, fmt.Errorf("subprotocol g: reading payload: %w", rerr)
		}
	}
	// Terminal zero-length packet marks end of stream.
	if err := writePacket(bw, limiter, seq, nil); err != nil {
		return false, err
	}
	if err := bw.Flush(); err != nil {
		return false, fmt.Errorf("subprotocol g: flushing: %w", err)
	}
	if closeCompressor != nil {
		if err := closeCompressor(); err != nil {
			return false, fmt.Errorf("subprotocol g: closing compressor: %w", err)
		}
	}

	var ackSeq uint32
	if err := binary.Read(conn, binary.BigEndian, &ackSeq); err != nil {
		return false, fmt.Errorf("subprotocol g: reading final ack: %w", err)
	}
	return ackSeq == seq, nil
}

func receiveWindowed(conn io.ReadWriter, cfg Config) (bool, error) {
	var r io.Reader = conn
	cr, err := wrapDecompressor(r, cfg.Compression)
	if err != nil {
		return false, err
	}
	r = cr

	br := bufio.NewReader(r)
	var lastSeq uint32
	for {
		seq, data, err := readPacket(br)
		if err != nil {
			return false, fmt.Errorf("subprotocol g: reading packet: %w", err)
		}
		lastSeq = seq
		if len(data) == 0 {
			break
		}
	}

	if err := binary.Write(conn, binary.BigEndian, lastSeq); err != nil {
		return false, fmt.Errorf("subprotocol g: writing ack: %w", err)
	}
	return true, nil
}

func writePacket(w io.Writer, limiter *rate.Limiter, seq uint32, data []byte) error {
	if limiter != nil {
		chunk := len(data)
		if chunk > limiter.Burst() {
			chunk = limiter.Burst()
		}
		if chunk > 0 {
			if err := limiter.WaitN(context.Background(), chunk); err != nil {
				return fmt.Errorf("subprotocol g: rate limit wait: %w", err)
			}
		}
	}
	if err := binary.Write(w, binary.BigEndian, seq); err != nil {
		return fmt.Errorf("subprotocol g: writing sequence: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("subprotocol g: writing length: %w", err)
	}
	if len(data) > 0 {
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("subprotocol g: writing data: %w", err)
		}
	}
	return nil
}

func readPacket(r io.Reader) (uint32, []byte, error) {
	var seq, length uint32
	if err := binary.Read(r, binary.BigEndian, &seq); err != nil {
		return 0, nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	if length == 0 {
		return seq, nil, nil
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, err
	}
	return seq, data, nil
}

func newLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

func wrapCompressor(w io.Writer, codec string) (io.Writer, func() error, error) {
	switch codec {
	case "gzip":
		gw := kgzip.NewWriter(w)
		return gw, gw.Close, nil
	case "zstd":
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, fmt.Errorf("subprotocol g: creating zstd writer: %w", err)
		}
		return zw, zw.Close, nil
	case "":
		return w, nil, nil
	default:
		return nil, nil, fmt.Errorf("subprotocol g: unknown compression codec %q", codec)
	}
}

func wrapDecompressor(r io.Reader, codec string) (io.Reader, error) {
	switch codec {
	case "gzip":
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("subprotocol g: creating gzip reader: %w", err)
		}
		return gr, nil
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("subprotocol g: creating zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil
	case "":
		return r, nil
	default:
		return nil, fmt.Errorf("subprotocol g: unknown compression codec %q", codec)
	}
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
