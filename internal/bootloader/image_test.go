package bootloader

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func readAll(image string) ([]*Frame, error) {
	fr := NewFrameReader(strings.NewReader(image))

	var frames []*Frame
	for {
		f, err := fr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return frames, err
		}
		frames = append(frames, f)
	}
}

func TestFrameReaderTwoFrames(t *testing.T) {
	frames, err := readAll(twoFrameImage)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}

	if !bytes.Equal(frames[0].Data, frame1) {
		t.Errorf("frame 1 = % X, want % X", frames[0].Data, frame1)
	}
	if !bytes.Equal(frames[1].Data, frame2) {
		t.Errorf("frame 2 = % X, want % X", frames[1].Data, frame2)
	}
	if frames[0].PayloadLen() != 6 || frames[1].PayloadLen() != 4 {
		t.Errorf("payload lengths %d/%d, want 6/4", frames[0].PayloadLen(), frames[1].PayloadLen())
	}
}

func TestFrameReaderEmptyImage(t *testing.T) {
	frames, err := readAll("")
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 0 {
		t.Fatalf("got %d frames from an empty image", len(frames))
	}
}

func TestFrameReaderZeroPayload(t *testing.T) {
	// Payload length 0 is legal: header plus CRC, four bytes on the wire.
	frames, err := readAll("0000BEEF")
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Size() != 4 {
		t.Errorf("frame size %d, want 4", frames[0].Size())
	}
}

func TestFrameReaderTruncated(t *testing.T) {
	for _, image := range []string{
		"00",               // header cut short
		"0006AABB",         // payload cut short
		"0006AABBCCDDEEFF1", // mid-byte
	} {
		if _, err := readAll(image); !errors.Is(err, ErrTruncatedImage) {
			t.Errorf("image %q: got %v, want ErrTruncatedImage", image, err)
		}
	}
}

func TestFrameReaderBadHex(t *testing.T) {
	_, err := readAll("00ZZ")
	if err == nil || !strings.Contains(err.Error(), "invalid hex character") {
		t.Fatalf("got %v, want invalid hex error", err)
	}
}

func TestFrameReaderSizeLimit(t *testing.T) {
	build := func(payload int) string {
		data := make([]byte, payload+frameOverhead)
		data[0] = byte(payload >> 8)
		data[1] = byte(payload)
		return strings.ToUpper(hex.EncodeToString(data))
	}

	// 1020-byte payload puts the frame at exactly 1024 bytes: accepted.
	frames, err := readAll(build(1020))
	if err != nil {
		t.Fatalf("1024-byte frame rejected: %v", err)
	}
	if frames[0].Size() != FirmwareBufferSize {
		t.Errorf("frame size %d, want %d", frames[0].Size(), FirmwareBufferSize)
	}

	// One byte more is over the cap.
	if _, err := readAll(build(1021)); !errors.Is(err, ErrFrameTooBig) {
		t.Fatalf("1025-byte frame: got %v, want ErrFrameTooBig", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(t, "frames")

		var image strings.Builder
		var want [][]byte
		for i := 0; i < n; i++ {
			payload := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "payload")
			crc := rapid.SliceOfN(rapid.Byte(), 2, 2).Draw(t, "crc")

			data := make([]byte, 0, len(payload)+frameOverhead)
			data = append(data, byte(len(payload)>>8), byte(len(payload)))
			data = append(data, payload...)
			data = append(data, crc...)

			want = append(want, data)
			image.WriteString(hex.EncodeToString(data))
		}

		frames, err := readAll(image.String())
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if len(frames) != n {
			t.Fatalf("got %d frames, want %d", len(frames), n)
		}

		// Re-serializing the frames and parsing again must give the
		// identical sequence.
		var again strings.Builder
		for i, f := range frames {
			if !bytes.Equal(f.Data, want[i]) {
				t.Fatalf("frame %d = % X, want % X", i+1, f.Data, want[i])
			}
			again.WriteString(hex.EncodeToString(f.Data))
		}

		reparsed, err := readAll(again.String())
		if err != nil {
			t.Fatalf("reparse: %v", err)
		}
		for i := range reparsed {
			if !bytes.Equal(reparsed[i].Data, frames[i].Data) {
				t.Fatalf("round trip diverged at frame %d", i+1)
			}
		}
	})
}
