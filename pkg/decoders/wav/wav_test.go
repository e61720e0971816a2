package wav

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	gawav "github.com/go-audio/wav"
)

func writeFixture(t *testing.T, data []int, channels, bits int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := gawav.NewEncoder(f, 8000, bits, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: 8000},
		Data:           data,
		SourceBitDepth: bits,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDecodeStereo16(t *testing.T) {
	data := []int{100, -100, 2000, -2000, 32767, -32768}
	path := writeFixture(t, data, 2, 16)

	d := NewDecoder()
	if err := d.Open(path); err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	rate, ch, bps := d.GetFormat()
	if rate != 8000 || ch != 2 || bps != 16 {
		t.Fatalf("format: %d %d %d", rate, ch, bps)
	}

	buf := make([]byte, 64)
	n, err := d.DecodeSamples(16, buf)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("frames: got %d, want 3", n)
	}
	for i, want := range data {
		got := int16(binary.LittleEndian.Uint16(buf[i*2:]))
		if int(got) != want {
			t.Errorf("sample %d: got %d, want %d", i, got, want)
		}
	}

	if n, err := d.DecodeSamples(16, buf); n != 0 || !errors.Is(err, io.EOF) {
		t.Errorf("after end: n=%d err=%v", n, err)
	}
}

func TestDecodeRespectsBufferSize(t *testing.T) {
	path := writeFixture(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, 1, 16)
	d := NewDecoder()
	if err := d.Open(path); err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	buf := make([]byte, 6) // three frames
	n, err := d.DecodeSamples(100, buf)
	if err != nil || n != 3 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if v := binary.LittleEndian.Uint16(buf[4:]); v != 3 {
		t.Errorf("third sample: %d", v)
	}
}

func TestDecodeWithoutOpen(t *testing.T) {
	if _, err := NewDecoder().DecodeSamples(1, make([]byte, 4)); err == nil {
		t.Error("expected error")
	}
	if err := NewDecoder().Close(); err != nil {
		t.Errorf("Close unopened: %v", err)
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.wav")
	if err := os.WriteFile(path, []byte("not a riff file at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := NewDecoder().Open(path); err == nil {
		t.Error("expected error for garbage file")
	}
}
