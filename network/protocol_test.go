package network

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"request":"report.pdf"}`)

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestFileRequestWireBytes(t *testing.T) {
	payload, err := EncodeFileRequest(FileRequest{Request: "report.pdf"})
	if err != nil {
		t.Fatalf("EncodeFileRequest failed: %v", err)
	}

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	want := append([]byte{0x00, 0x00, 0x00, 0x18}, []byte(`{"request":"report.pdf"}`)...)
	if !bytes.Equal(buffer.Bytes(), want) {
		t.Fatalf("unexpected wire bytes %q", buffer.Bytes())
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if buffer.Len() != 0 {
		t.Fatalf("nothing should be written for an oversized frame")
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	header := []byte{0x00, 0x10, 0x00, 0x01}
	if _, err := ReadFrame(bytes.NewReader(header)); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameTruncatedIsMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty stream":      {},
		"partial header":    {0x00, 0x00},
		"truncated payload": append([]byte{0x00, 0x00, 0x00, 0x10}, []byte(`{"req`)...),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(raw))
			if !errors.Is(err, ErrMalformedPacket) {
				t.Fatalf("expected ErrMalformedPacket, got %v", err)
			}
		})
	}
}

func TestPresenceRoundTrip(t *testing.T) {
	packet := PresencePacket{Name: "Alice", Port: 6000, Platform: "linux", Session: "f0c1"}

	payload, err := EncodePresence(packet)
	if err != nil {
		t.Fatalf("EncodePresence failed: %v", err)
	}
	got, err := DecodePresence(payload)
	if err != nil {
		t.Fatalf("DecodePresence failed: %v", err)
	}
	if got != packet {
		t.Fatalf("expected %+v, got %+v", packet, got)
	}
}

func TestDecodePresenceAcceptsForeignPeers(t *testing.T) {
	got, err := DecodePresence([]byte(`{"name":"Bob","port":6000,"platform":"Windows"}`))
	if err != nil {
		t.Fatalf("DecodePresence failed: %v", err)
	}
	if got.Name != "Bob" || got.Port != 6000 || got.Platform != "Windows" || got.Session != "" {
		t.Fatalf("unexpected packet %+v", got)
	}
}

func TestDecodePresenceRejectsMalformed(t *testing.T) {
	cases := map[string][]byte{
		"not json":     []byte("hello"),
		"empty":        {},
		"missing name": []byte(`{"port":6000,"platform":"linux"}`),
		"blank name":   []byte(`{"name":"  ","port":6000}`),
		"missing port": []byte(`{"name":"Bob","platform":"linux"}`),
		"zero port":    []byte(`{"name":"Bob","port":0}`),
		"port too big": []byte(`{"name":"Bob","port":70000}`),
		"invalid utf8": {'{', '"', 'n', 0xff, '"', '}'},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodePresence(payload); !errors.Is(err, ErrMalformedPacket) {
				t.Fatalf("expected ErrMalformedPacket, got %v", err)
			}
		})
	}
}

func TestFileOfferRoundTrip(t *testing.T) {
	offer := FileOffer{FileName: "report.pdf", FileSizeBytes: 2_500_000}

	payload, err := EncodeFileOffer(offer)
	if err != nil {
		t.Fatalf("EncodeFileOffer failed: %v", err)
	}
	if string(payload) != `{"filename":"report.pdf","filesize":2500000}` {
		t.Fatalf("unexpected metadata payload %s", payload)
	}

	got, err := DecodeFileOffer(payload)
	if err != nil {
		t.Fatalf("DecodeFileOffer failed: %v", err)
	}
	if got != offer {
		t.Fatalf("expected %+v, got %+v", offer, got)
	}
}

func TestDecodeFileOfferRequiresFields(t *testing.T) {
	for _, payload := range []string{`{"filename":"a"}`, `{"filesize":3}`, `{"filename":"a","filesize":-1}`} {
		if _, err := DecodeFileOffer([]byte(payload)); !errors.Is(err, ErrMalformedPacket) {
			t.Fatalf("%s: expected ErrMalformedPacket, got %v", payload, err)
		}
	}
}

func TestDecodeFileRequestRequiresName(t *testing.T) {
	for _, payload := range []string{`{}`, `{"request":""}`, `[]`} {
		if _, err := DecodeFileRequest([]byte(payload)); !errors.Is(err, ErrMalformedPacket) {
			t.Fatalf("%s: expected ErrMalformedPacket, got %v", payload, err)
		}
	}
}

func TestDecodeMessage(t *testing.T) {
	text, err := DecodeMessage(EncodeMessage("héllo 👋"))
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if text != "héllo 👋" {
		t.Fatalf("unexpected text %q", text)
	}

	if _, err := DecodeMessage([]byte{0xc3, 0x28}); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("expected ErrMalformedPacket for invalid UTF-8, got %v", err)
	}
}
