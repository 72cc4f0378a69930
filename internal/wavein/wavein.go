// Package wavein is a FrontendAdapter that reads a RIFF/WAVE file of
// 16-bit PCM, 2-channel (I=left, Q=right) samples and pushes them into
// a waterfall.SampleSink. It is the reference "file" frontend named in
// spec.md §6; the real-time audio frontend lives in internal/rtpaudio.
package wavein

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/cwsl/waterfall-recorder/internal/waterfall"
	"github.com/cwsl/waterfall-recorder/internal/wftime"
)

const defaultBatchFrames = 4096

type riffHeader struct {
	ChunkID   [4]byte
	ChunkSize uint32
	Format    [4]byte
}

type fmtChunk struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// Options configures a Run invocation.
type Options struct {
	// BatchFrames is how many stereo frames are read and pushed per
	// Process call. Zero uses a sensible default.
	BatchFrames int

	// StopRequested, if set, is polled once per batch; when it returns
	// true the frontend stops reading after the current batch and
	// calls EndStream, matching the cooperative stop()/endStream
	// contract of spec.md §6.
	StopRequested func() bool
}

// Run opens path as a RIFF/WAVE file, drives sink through one full
// stream lifecycle (StartStream, zero or more Process, EndStream), and
// returns when the data subchunk is exhausted or an unrecoverable
// error occurs. Malformed optional subchunks are logged and skipped,
// never aborting the stream (spec.md §7 StreamFormat policy).
func Run(path string, sink waterfall.SampleSink, opts Options) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("wavein: open %s: %w", path, err)
	}
	defer f.Close()

	var hdr riffHeader
	if err := binary.Read(f, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("wavein: reading RIFF header: %w", err)
	}
	if string(hdr.ChunkID[:]) != "RIFF" || string(hdr.Format[:]) != "WAVE" {
		return fmt.Errorf("wavein: %s is not a RIFF/WAVE file", path)
	}

	var fc fmtChunk
	var dataSize uint32
	var provenance string
	haveFmt := false

	for {
		var id [4]byte
		var size uint32
		if err := binary.Read(f, binary.LittleEndian, &id); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("wavein: reading subchunk id: %w", err)
		}
		if err := binary.Read(f, binary.LittleEndian, &size); err != nil {
			return fmt.Errorf("wavein: reading subchunk size: %w", err)
		}

		switch string(id[:]) {
		case "fmt ":
			if err := binary.Read(f, binary.LittleEndian, &fc); err != nil {
				return fmt.Errorf("wavein: reading fmt chunk: %w", err)
			}
			haveFmt = true
			if rem := int64(size) - 16; rem > 0 {
				if _, err := f.Seek(rem, io.SeekCurrent); err != nil {
					return fmt.Errorf("wavein: skipping fmt chunk padding: %w", err)
				}
			}
		case "inf1":
			buf := make([]byte, size)
			if _, err := io.ReadFull(f, buf); err != nil {
				log.Printf("wavein: malformed inf1 provenance subchunk, skipping: %v", err)
				break
			}
			provenance = trimNulls(buf)
			log.Printf("wavein: provenance: %s", provenance)
		case "data":
			dataSize = size
			if !haveFmt {
				return fmt.Errorf("wavein: data subchunk before fmt subchunk")
			}
			return stream(f, fc, dataSize, sink, opts)
		default:
			log.Printf("wavein: skipping unknown subchunk %q (%d bytes)", id, size)
			if _, err := f.Seek(int64(size), io.SeekCurrent); err != nil {
				return fmt.Errorf("wavein: skipping unknown subchunk %q: %w", id, err)
			}
		}
		if size%2 == 1 {
			if _, err := f.Seek(1, io.SeekCurrent); err != nil {
				return fmt.Errorf("wavein: skipping pad byte: %w", err)
			}
		}
	}
	return fmt.Errorf("wavein: %s has no data subchunk", path)
}

func trimNulls(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func stream(f *os.File, fc fmtChunk, dataSize uint32, sink waterfall.SampleSink, opts Options) error {
	if fc.NumChannels != 2 {
		return fmt.Errorf("wavein: expected 2 channels (I/Q), got %d", fc.NumChannels)
	}
	if fc.BitsPerSample != 16 {
		return fmt.Errorf("wavein: expected 16-bit PCM, got %d-bit", fc.BitsPerSample)
	}

	batchFrames := opts.BatchFrames
	if batchFrames <= 0 {
		batchFrames = defaultBatchFrames
	}

	frameBytes := 4 // 2 channels * 2 bytes
	totalFrames := uint64(dataSize) / uint64(frameBytes)

	streamInfo := waterfall.StreamInfo{
		KnownLength: true,
		Length:      totalFrames,
		SampleRate:  fc.SampleRate,
		TimeOffset:  wftime.FromSecondsMicros(0, 0),
	}
	if err := sink.StartStream(streamInfo); err != nil {
		return fmt.Errorf("wavein: StartStream: %w", err)
	}
	defer sink.EndStream()

	raw := make([]byte, batchFrames*frameBytes)
	batch := make([]complex128, 0, batchFrames)
	var offset uint64
	remaining := uint64(dataSize)

	for remaining > 0 {
		want := uint64(len(raw))
		if remaining < want {
			want = remaining
		}
		n, err := io.ReadFull(f, raw[:want])
		if err != nil && err != io.ErrUnexpectedEOF {
			return fmt.Errorf("wavein: reading data subchunk: %w", err)
		}
		remaining -= uint64(n)

		frames := n / frameBytes
		batch = batch[:0]
		for i := 0; i < frames; i++ {
			base := i * frameBytes
			left := int16(binary.LittleEndian.Uint16(raw[base:]))
			right := int16(binary.LittleEndian.Uint16(raw[base+2:]))
			batch = append(batch, complex(float64(left)/32768.0, float64(right)/32768.0))
		}
		if len(batch) == 0 {
			break
		}

		info := waterfall.BatchInfo{
			Offset:     offset,
			TimeOffset: streamInfo.TimeOffset.AddSamples(int64(offset), streamInfo.SampleRate),
		}
		sink.Process(batch, info)
		offset += uint64(frames)

		if opts.StopRequested != nil && opts.StopRequested() {
			break
		}
	}
	return nil
}
