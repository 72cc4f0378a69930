package wavein

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/cwsl/waterfall-recorder/internal/waterfall"
)

// writeTestWAV writes a minimal RIFF/WAVE file with 16-bit PCM stereo
// I/Q samples of a known tone, optionally including an inf1 provenance
// subchunk.
func writeTestWAV(t *testing.T, path string, sampleRate uint32, seconds float64, toneHz float64, withProvenance bool) {
	t.Helper()
	frames := int(float64(sampleRate) * seconds)
	dataBytes := frames * 4

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	var infChunk []byte
	if withProvenance {
		text := []byte("unit-test-origin\x00")
		infChunk = text
	}

	fmtSize := uint32(16)
	riffSize := uint32(4) + (8 + fmtSize) + uint32(len(infChunk)+8)*boolToUint32(withProvenance) + (8 + uint32(dataBytes))

	write := func(v interface{}) {
		if err := binary.Write(f, binary.LittleEndian, v); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	f.WriteString("RIFF")
	write(riffSize)
	f.WriteString("WAVE")

	f.WriteString("fmt ")
	write(fmtSize)
	write(uint16(1))         // PCM
	write(uint16(2))         // channels
	write(sampleRate)        // sample rate
	write(sampleRate * 4)    // byte rate
	write(uint16(4))         // block align
	write(uint16(16))        // bits per sample

	if withProvenance {
		f.WriteString("inf1")
		write(uint32(len(infChunk)))
		f.Write(infChunk)
	}

	f.WriteString("data")
	write(uint32(dataBytes))
	for i := 0; i < frames; i++ {
		theta := 2 * math.Pi * toneHz * float64(i) / float64(sampleRate)
		left := int16(math.Cos(theta) * 30000)
		right := int16(math.Sin(theta) * 30000)
		write(left)
		write(right)
	}
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

type capturingSink struct {
	started  waterfall.StreamInfo
	batches  [][]complex128
	infos    []waterfall.BatchInfo
	ended    bool
}

func (s *capturingSink) StartStream(info waterfall.StreamInfo) error {
	s.started = info
	return nil
}

func (s *capturingSink) Process(batch []complex128, info waterfall.BatchInfo) {
	cp := make([]complex128, len(batch))
	copy(cp, batch)
	s.batches = append(s.batches, cp)
	s.infos = append(s.infos, info)
}

func (s *capturingSink) EndStream() { s.ended = true }

func TestRunDrivesSinkLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tone.wav")
	writeTestWAV(t, path, 48000, 0.05, 1000, false)

	sink := &capturingSink{}
	if err := Run(path, sink, Options{BatchFrames: 512}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sink.ended {
		t.Fatal("expected EndStream to be called")
	}
	if sink.started.SampleRate != 48000 {
		t.Fatalf("SampleRate = %d, want 48000", sink.started.SampleRate)
	}
	if sink.started.TimeOffset.Seconds() != 0 || sink.started.TimeOffset.Microseconds() != 0 {
		t.Fatalf("file frontend TimeOffset should be zero-relative, got %v", sink.started.TimeOffset)
	}
	if len(sink.batches) == 0 {
		t.Fatal("expected at least one batch")
	}

	var total int
	for _, b := range sink.batches {
		total += len(b)
	}
	wantFrames := int(48000 * 0.05)
	if total != wantFrames {
		t.Fatalf("total samples pushed = %d, want %d", total, wantFrames)
	}
}

func TestRunHandlesProvenanceSubchunk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tone_inf1.wav")
	writeTestWAV(t, path, 48000, 0.01, 1000, true)

	sink := &capturingSink{}
	if err := Run(path, sink, Options{}); err != nil {
		t.Fatalf("Run with inf1 subchunk: %v", err)
	}
	if !sink.ended {
		t.Fatal("expected EndStream to be called even with a provenance subchunk present")
	}
}

func TestRunRejectsWrongChannelCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mono.wav")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	write := func(v interface{}) {
		if err := binary.Write(f, binary.LittleEndian, v); err != nil {
			t.Fatal(err)
		}
	}
	f.WriteString("RIFF")
	write(uint32(36))
	f.WriteString("WAVE")
	f.WriteString("fmt ")
	write(uint32(16))
	write(uint16(1))
	write(uint16(1)) // mono
	write(uint32(48000))
	write(uint32(48000 * 2))
	write(uint16(2))
	write(uint16(16))
	f.WriteString("data")
	write(uint32(0))
	f.Close()

	sink := &capturingSink{}
	if err := Run(path, sink, Options{}); err == nil {
		t.Fatal("expected an error for a mono file")
	}
}
