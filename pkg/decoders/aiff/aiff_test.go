package aiff

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/aiff"
	"github.com/go-audio/audio"
)

func writeFixture(t *testing.T, data []int, channels, bits int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.aiff")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := aiff.NewEncoder(f, 8000, bits, channels)
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
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("frames: got %d, want 3", n)
	}
	for i, want := range data {
		if got := int16(binary.LittleEndian.Uint16(buf[i*2:])); int(got) != want {
			t.Errorf("sample %d: got %d, want %d", i, got, want)
		}
	}

	if n, err := d.DecodeSamples(16, buf); n != 0 || !errors.Is(err, io.EOF) {
		t.Errorf("after end: n=%d err=%v", n, err)
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.aiff")
	if err := os.WriteFile(path, []byte("FORM but not really an aiff file"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := NewDecoder().Open(path); err == nil {
		t.Error("expected error for garbage file")
	}
}

func TestDecodeWithoutOpen(t *testing.T) {
	if _, err := NewDecoder().DecodeSamples(1, make([]byte, 4)); err == nil {
		t.Error("expected error")
	}
}
