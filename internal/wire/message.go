package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const headerLen = 12

// Opcode is the 4-bit header OPCODE field.
type Opcode uint8

const (
	OpcodeQuery  Opcode = 0
	OpcodeIQuery Opcode = 1
	OpcodeStatus Opcode = 2
)

// RCode is the 4-bit header RCODE field.
type RCode uint8

const (
	RCodeNoError        RCode = 0
	RCodeFormatError    RCode = 1
	RCodeServerFailure  RCode = 2
	RCodeNameError      RCode = 3
	RCodeNotImplemented RCode = 4
	RCodeRefused        RCode = 5
	RCodeYXDomain       RCode = 6
	RCodeYXRRSet        RCode = 7
	RCodeNXRRSet        RCode = 8
	RCodeNotAuth        RCode = 9
	RCodeNotZone        RCode = 10
)

const (
	flagQRMask     uint16 = 0x8000
	flagOpcodeMask uint16 = 0x7800
	flagOpcodeSh          = 11
	flagAAMask     uint16 = 0x0400
	flagTCMask     uint16 = 0x0200
	flagRDMask     uint16 = 0x0100
	flagRAMask     uint16 = 0x0080
	flagZMask      uint16 = 0x0070
	flagZSh               = 4
	flagRCodeMask  uint16 = 0x000F
	flagRCodeSh           = 0
)

// Header is the fixed 12-byte DNS message header, constructed once
// and never mutated afterward.
type Header struct {
	ID      uint16
	QR      bool
	Opcode  Opcode
	AA      bool
	TC      bool
	RD      bool
	RA      bool
	Z       uint8
	RCode   RCode
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

// NewHeader builds an immutable Header from its fields in a single
// call; there is no builder and no post-construction mutation.
func NewHeader(id uint16, qr bool, opcode Opcode, aa, tc, rd, ra bool, z uint8, rcode RCode, qd, an, ns, ar uint16) Header {
	return Header{
		ID: id, QR: qr, Opcode: opcode, AA: aa, TC: tc, RD: rd, RA: ra,
		Z: z, RCode: rcode, QDCount: qd, ANCount: an, NSCount: ns, ARCount: ar,
	}
}

func (h Header) flags() uint16 {
	var f uint16
	if h.QR {
		f |= flagQRMask
	}
	f |= (uint16(h.Opcode) << flagOpcodeSh) & flagOpcodeMask
	if h.AA {
		f |= flagAAMask
	}
	if h.TC {
		f |= flagTCMask
	}
	if h.RD {
		f |= flagRDMask
	}
	if h.RA {
		f |= flagRAMask
	}
	f |= (uint16(h.Z) << flagZSh) & flagZMask
	f |= (uint16(h.RCode) << flagRCodeSh) & flagRCodeMask
	return f
}

func (h Header) encode(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, h.ID)
	buf = binary.BigEndian.AppendUint16(buf, h.flags())
	buf = binary.BigEndian.AppendUint16(buf, h.QDCount)
	buf = binary.BigEndian.AppendUint16(buf, h.ANCount)
	buf = binary.BigEndian.AppendUint16(buf, h.NSCount)
	buf = binary.BigEndian.AppendUint16(buf, h.ARCount)
	return buf
}

func decodeHeader(msg []byte) (Header, error) {
	if len(msg) < headerLen {
		return Header{}, fmt.Errorf("wire: message shorter than header: %w", ErrMalformedMessage)
	}
	id := binary.BigEndian.Uint16(msg[0:])
	flags := binary.BigEndian.Uint16(msg[2:])
	h := Header{
		ID:      id,
		QR:      flags&flagQRMask != 0,
		Opcode:  Opcode((flags & flagOpcodeMask) >> flagOpcodeSh),
		AA:      flags&flagAAMask != 0,
		TC:      flags&flagTCMask != 0,
		RD:      flags&flagRDMask != 0,
		RA:      flags&flagRAMask != 0,
		Z:       uint8((flags & flagZMask) >> flagZSh),
		RCode:   RCode((flags & flagRCodeMask) >> flagRCodeSh), // must group mask-then-shift, not flags&(mask>>shift)
		QDCount: binary.BigEndian.Uint16(msg[4:]),
		ANCount: binary.BigEndian.Uint16(msg[6:]),
		NSCount: binary.BigEndian.Uint16(msg[8:]),
		ARCount: binary.BigEndian.Uint16(msg[10:]),
	}
	return h, nil
}

// Question is a single question-section entry.
type Question struct {
	Name   Name
	QType  QType
	QClass QClass
}

func (q Question) Equal(o Question) bool {
	return q.Name.Equal(o.Name) && q.QType == o.QType && q.QClass == o.QClass
}

func (q Question) encodedLen() int { return q.Name.EncodedLen() + 4 }

func (q Question) encode(buf []byte) ([]byte, error) {
	buf, err := q.Name.Encode(buf)
	if err != nil {
		return nil, err
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(q.QType))
	buf = binary.BigEndian.AppendUint16(buf, uint16(q.QClass))
	return buf, nil
}

func decodeQuestion(msg []byte, offset int) (Question, int, error) {
	name, off, err := DecodeName(msg, offset)
	if err != nil {
		return Question{}, 0, err
	}
	if off+4 > len(msg) {
		return Question{}, 0, fmt.Errorf("wire: truncated question: %w", ErrMalformedMessage)
	}
	q := Question{
		Name:   name,
		QType:  QType(binary.BigEndian.Uint16(msg[off:])),
		QClass: QClass(binary.BigEndian.Uint16(msg[off+2:])),
	}
	return q, off + 4, nil
}

// Message is a full DNS message: header plus the four sections.
type Message struct {
	Header     Header
	Questions  []Question
	Answer     []RR
	Authority  []RR
	Additional []RR
}

var (
	// ErrMalformedMessage is returned when a message's framing (header
	// or section counts) doesn't match its actual bytes.
	ErrMalformedMessage = errors.New("wire: malformed message")
	// ErrInvalidHeader is returned by Validate when QR/OPCODE/RCODE
	// don't decode to known enumerants, or Z != 0.
	ErrInvalidHeader = errors.New("wire: invalid response header")
)

// EncodeQuery builds the wire bytes for an outgoing query message:
// header with QR=0, OPCODE=QUERY, the given RD, plus the question and
// any answers (used for update-style messages; ordinary queries carry
// none).
func EncodeQuery(id uint16, rd bool, questions []Question, answers []RR) ([]byte, error) {
	h := NewHeader(id, false, OpcodeQuery, false, false, rd, false, 0, RCodeNoError,
		uint16(len(questions)), uint16(len(answers)), 0, 0)
	buf := make([]byte, 0, headerLen+64)
	buf = h.encode(buf)
	for _, q := range questions {
		var err error
		buf, err = q.encode(buf)
		if err != nil {
			return nil, err
		}
	}
	for _, a := range answers {
		var err error
		buf, err = a.Encode(buf)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// DecodeMessage parses a complete message from msg without validating
// response semantics; callers that expect a response should call
// Validate afterward.
func DecodeMessage(msg []byte) (Message, error) {
	h, err := decodeHeader(msg)
	if err != nil {
		return Message{}, err
	}
	offset := headerLen

	questions := make([]Question, 0, h.QDCount)
	for i := 0; i < int(h.QDCount); i++ {
		q, next, err := decodeQuestion(msg, offset)
		if err != nil {
			return Message{}, err
		}
		questions = append(questions, q)
		offset = next
	}

	decodeSection := func(count uint16) ([]RR, error) {
		rrs := make([]RR, 0, count)
		for i := 0; i < int(count); i++ {
			rr, next, err := decodeRR(msg, offset)
			if err != nil {
				return nil, err
			}
			rrs = append(rrs, rr)
			offset = next
		}
		return rrs, nil
	}

	answer, err := decodeSection(h.ANCount)
	if err != nil {
		return Message{}, err
	}
	authority, err := decodeSection(h.NSCount)
	if err != nil {
		return Message{}, err
	}
	additional, err := decodeSection(h.ARCount)
	if err != nil {
		return Message{}, err
	}

	return Message{
		Header:     h,
		Questions:  questions,
		Answer:     answer,
		Authority:  authority,
		Additional: additional,
	}, nil
}

// Validate checks response-only invariants: QR must be RESPONSE, Z
// must be zero, and OPCODE/RCODE must decode to known enumerants.
func (m Message) Validate() error {
	if !m.Header.QR {
		return fmt.Errorf("wire: QR not set on response: %w", ErrInvalidHeader)
	}
	if m.Header.Z != 0 {
		return fmt.Errorf("wire: non-zero Z field %#x: %w", m.Header.Z, ErrInvalidHeader)
	}
	switch m.Header.Opcode {
	case OpcodeQuery, OpcodeIQuery, OpcodeStatus:
	default:
		return fmt.Errorf("wire: unknown opcode %d: %w", m.Header.Opcode, ErrInvalidHeader)
	}
	switch m.Header.RCode {
	case RCodeNoError, RCodeFormatError, RCodeServerFailure, RCodeNameError,
		RCodeNotImplemented, RCodeRefused, RCodeYXDomain, RCodeYXRRSet, RCodeNXRRSet, RCodeNotAuth, RCodeNotZone:
	default:
		return fmt.Errorf("wire: unknown rcode %d: %w", m.Header.RCode, ErrInvalidHeader)
	}
	return nil
}

// MatchesQuery reports whether m is a plausible response to a query
// with the given transaction id and question section: the id must
// match and the question sections must be identical.
func (m Message) MatchesQuery(id uint16, questions []Question) bool {
	if m.Header.ID != id {
		return false
	}
	if len(m.Questions) != len(questions) {
		return false
	}
	for i := range questions {
		if !m.Questions[i].Equal(questions[i]) {
			return false
		}
	}
	return true
}
