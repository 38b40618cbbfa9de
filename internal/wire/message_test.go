package wire

import (
	"errors"
	"net"
	"testing"
)

func TestHeaderBitPackingRoundTrip(t *testing.T) {
	bools := []bool{false, true}
	for _, qr := range bools {
		for _, aa := range bools {
			for _, tc := range bools {
				for _, rd := range bools {
					for _, ra := range bools {
						for rcode := 0; rcode <= 10; rcode++ {
							h := NewHeader(0x1234, qr, OpcodeQuery, aa, tc, rd, ra, 0, RCode(rcode), 1, 2, 3, 4)
							buf := h.encode(nil)
							got, err := decodeHeader(buf)
							if err != nil {
								t.Fatalf("decodeHeader: %v", err)
							}
							if got != h {
								t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
							}
						}
					}
				}
			}
		}
	}
}

func TestHeaderZFieldPreserved(t *testing.T) {
	h := NewHeader(1, true, OpcodeQuery, false, false, false, false, 0b010, RCodeNoError, 0, 0, 0, 0)
	buf := h.encode(nil)
	got, err := decodeHeader(buf)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if got.Z != 0b010 {
		t.Fatalf("Z = %b, want %b", got.Z, 0b010)
	}
	msg := Message{Header: got}
	if err := msg.Validate(); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("Validate() with nonzero Z: expected ErrInvalidHeader, got %v", err)
	}
}

func TestRCodeMaskGroupingIsMaskThenShift(t *testing.T) {
	// flagRCodeMask = 0x000F, flagRCodeSh = 0, so (flags & mask) >>
	// shift and flags & (mask >> shift) give the same value here. What
	// this pins down is that the mask is applied: the raw flags word has
	// RA and all Z bits set next to RCODE 3 (NAME_ERROR), and none of
	// them may leak into the decoded RCODE.
	buf := make([]byte, 12)
	buf[2] = 0x80 // QR=1
	buf[3] = 0xF3 // RA=1, Z=0b111, low 4 bits = RCODE 3 (NAME_ERROR)
	h, err := decodeHeader(buf)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if h.RCode != RCodeNameError {
		t.Errorf("RCode = %d, want %d (NAME_ERROR)", h.RCode, RCodeNameError)
	}
}

func TestEncodeQueryDecodeRoundTrip(t *testing.T) {
	qname, _ := NameFromString("example.com")
	q := Question{Name: qname, QType: QType(TypeA), QClass: QClass(ClassIN)}
	buf, err := EncodeQuery(0xBEEF, true, []Question{q}, nil)
	if err != nil {
		t.Fatalf("EncodeQuery: %v", err)
	}
	wantLen := headerLen + q.encodedLen()
	if len(buf) != wantLen {
		t.Errorf("len = %d, want %d", len(buf), wantLen)
	}
	msg, err := DecodeMessage(buf)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if msg.Header.ID != 0xBEEF || !msg.Header.RD || msg.Header.QR {
		t.Errorf("header mismatch: %+v", msg.Header)
	}
	if len(msg.Questions) != 1 || !msg.Questions[0].Equal(q) {
		t.Errorf("questions mismatch: %+v", msg.Questions)
	}
}

func TestDecodeMessageTooShort(t *testing.T) {
	if _, err := DecodeMessage([]byte{1, 2, 3}); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("expected ErrMalformedMessage, got %v", err)
	}
}

func TestMatchesQueryRejectsIDMismatch(t *testing.T) {
	qname, _ := NameFromString("example.com")
	q := Question{Name: qname, QType: QType(TypeA), QClass: QClass(ClassIN)}
	reqBuf, _ := EncodeQuery(1, true, []Question{q}, nil)
	req, _ := DecodeMessage(reqBuf)

	respHeader := NewHeader(2, true, OpcodeQuery, true, false, true, true, 0, RCodeNoError, 1, 0, 0, 0)
	resp := Message{Header: respHeader, Questions: req.Questions}
	if resp.MatchesQuery(1, req.Questions) {
		t.Errorf("MatchesQuery should reject mismatched id")
	}
	respHeader.ID = 1
	resp.Header = respHeader
	if !resp.MatchesQuery(1, req.Questions) {
		t.Errorf("MatchesQuery should accept matching id and question")
	}
}

func TestMatchesQueryRejectsQuestionMismatch(t *testing.T) {
	qname, _ := NameFromString("example.com")
	other, _ := NameFromString("other.example.com")
	q := Question{Name: qname, QType: QType(TypeA), QClass: QClass(ClassIN)}
	oq := Question{Name: other, QType: QType(TypeA), QClass: QClass(ClassIN)}

	h := NewHeader(1, true, OpcodeQuery, true, false, true, true, 0, RCodeNoError, 1, 1, 0, 0)
	resp := Message{Header: h, Questions: []Question{oq}}
	if resp.MatchesQuery(1, []Question{q}) {
		t.Errorf("MatchesQuery should reject differing question section even with ancount > 0")
	}
}

func TestValidateRejectsNonResponse(t *testing.T) {
	h := NewHeader(1, false, OpcodeQuery, false, false, true, false, 0, RCodeNoError, 1, 0, 0, 0)
	m := Message{Header: h}
	if err := m.Validate(); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("expected ErrInvalidHeader for QR=0, got %v", err)
	}
}

func TestFullMessageRoundTripWithAnswer(t *testing.T) {
	qname, _ := NameFromString("example.com")
	q := Question{Name: qname, QType: QType(TypeA), QClass: QClass(ClassIN)}

	h := NewHeader(42, false, OpcodeQuery, false, false, true, false, 0, RCodeNoError, 1, 0, 0, 0)
	buf := h.encode(nil)
	buf, err := q.encode(buf)
	if err != nil {
		t.Fatalf("encode question: %v", err)
	}

	msg, err := DecodeMessage(buf)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if len(msg.Questions) != 1 || !msg.Questions[0].Equal(q) {
		t.Fatalf("questions mismatch")
	}

	// Now build a response reusing compression: answer owner is a
	// pointer back to the question's qname.
	respHeader := NewHeader(42, true, OpcodeQuery, true, false, true, true, 0, RCodeNoError, 1, 1, 0, 0)
	respBuf := respHeader.encode(nil)
	respBuf, _ = q.encode(respBuf)
	ptrOffset := headerLen
	respBuf = append(respBuf, 0xC0|byte(ptrOffset>>8), byte(ptrOffset))
	respBuf = append(respBuf, 0, byte(TypeA), 0, byte(ClassIN))
	respBuf = append(respBuf, 0, 0, 0x0E, 0x10) // ttl 3600
	respBuf = append(respBuf, 0, 4)
	respBuf = append(respBuf, net.ParseIP("93.184.216.34").To4()...)

	resp, err := DecodeMessage(respBuf)
	if err != nil {
		t.Fatalf("DecodeMessage response: %v", err)
	}
	if err := resp.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !resp.MatchesQuery(42, []Question{q}) {
		t.Fatalf("MatchesQuery failed on valid response")
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("answer count = %d, want 1", len(resp.Answer))
	}
	if !resp.Answer[0].Name.Equal(qname) {
		t.Errorf("answer owner = %q, want %q (via pointer compression)", resp.Answer[0].Name.String(), qname.String())
	}
}

func FuzzDecodeMessage(f *testing.F) {
	seeds := [][]byte{
		// Simple query
		{0x12, 0x34, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			0x07, 'e', 'x', 'a', 'm', 'p', 'l', 'e', 0x03, 'c', 'o', 'm', 0x00,
			0x00, 0x01, 0x00, 0x01},
		// Response with answer
		{0x12, 0x34, 0x81, 0x80, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00,
			0x07, 'e', 'x', 'a', 'm', 'p', 'l', 'e', 0x03, 'c', 'o', 'm', 0x00,
			0x00, 0x01, 0x00, 0x01,
			0xC0, 0x0C, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x3C,
			0x00, 0x04, 192, 0, 2, 1},
		// Self-referential pointer (cycle) that must be rejected, not looped on
		{0x12, 0x34, 0x81, 0x80, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00,
			0xC0, 0x0C, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x3C,
			0x00, 0x04, 192, 0, 2, 1},
	}
	for _, seed := range seeds {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		// DecodeMessage must never panic, regardless of input.
		msg, err := DecodeMessage(data)
		if err == nil {
			_ = msg.Validate()
		}
	})
}
