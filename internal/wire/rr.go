package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Type is an RR type code (RFC 1035 §3.2.2 and extensions).
type Type uint16

const (
	TypeA     Type = 1
	TypeNS    Type = 2
	TypeCNAME Type = 5
	TypeSOA   Type = 6
	TypePTR   Type = 12
	TypeMX    Type = 15
	TypeTXT   Type = 16
	TypeAAAA  Type = 28
	TypeDNAME Type = 39
	TypeCAA   Type = 257
)

// QType is a question type code: every Type plus the distinguished
// ANY wildcard.
type QType uint16

const (
	QTypeANY QType = 255
)

// ToQType widens an RR Type into a QType.
func (t Type) ToQType() QType { return QType(t) }

// Class is an RR class code.
type Class uint16

const (
	ClassIN Class = 1
	ClassCH Class = 3
	ClassHS Class = 4
)

// QClass is a question class code: every Class plus ANY.
type QClass uint16

const (
	QClassANY QClass = 255
)

func (c Class) ToQClass() QClass { return QClass(c) }

var (
	// ErrMalformedRData is returned when an RR's rdata cannot be
	// parsed as its declared type demands (wrong length, truncated
	// name, or other shape violation).
	ErrMalformedRData = errors.New("wire: malformed rdata")
)

const rrFixedLen = 10 // type:u16 class:u16 ttl:u32 rdlength:u16

// RData is implemented by every decoded record-data variant. Unknown
// types decode to Other, which retains the raw bytes.
type RData interface {
	rrType() Type
	encode(buf []byte) ([]byte, error)
}

type AData struct{ Addr net.IP } // 4-byte IPv4

func (AData) rrType() Type { return TypeA }
func (d AData) encode(buf []byte) ([]byte, error) {
	ip4 := d.Addr.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("wire: A record requires IPv4 address: %w", ErrMalformedRData)
	}
	return append(buf, ip4...), nil
}

type AAAAData struct{ Addr net.IP } // 16-byte IPv6

func (AAAAData) rrType() Type { return TypeAAAA }
func (d AAAAData) encode(buf []byte) ([]byte, error) {
	ip16 := d.Addr.To16()
	if ip16 == nil {
		return nil, fmt.Errorf("wire: AAAA record requires IPv6 address: %w", ErrMalformedRData)
	}
	return append(buf, ip16...), nil
}

type NSData struct{ NSDName Name }

func (NSData) rrType() Type                        { return TypeNS }
func (d NSData) encode(buf []byte) ([]byte, error) { return d.NSDName.Encode(buf) }

type CNAMEData struct{ Target Name }

func (CNAMEData) rrType() Type                        { return TypeCNAME }
func (d CNAMEData) encode(buf []byte) ([]byte, error) { return d.Target.Encode(buf) }

type DNAMEData struct{ Target Name }

func (DNAMEData) rrType() Type                        { return TypeDNAME }
func (d DNAMEData) encode(buf []byte) ([]byte, error) { return d.Target.Encode(buf) }

type PTRData struct{ PTRDName Name }

func (PTRData) rrType() Type                        { return TypePTR }
func (d PTRData) encode(buf []byte) ([]byte, error) { return d.PTRDName.Encode(buf) }

type MXData struct {
	Preference uint16
	Exchange   Name
}

func (MXData) rrType() Type { return TypeMX }
func (d MXData) encode(buf []byte) ([]byte, error) {
	buf = binary.BigEndian.AppendUint16(buf, d.Preference)
	return d.Exchange.Encode(buf)
}

type SOAData struct {
	MName   Name
	RName   Name
	Serial  uint32
	Refresh uint32
	Retry   uint32
	Expire  uint32
	Minimum uint32
}

func (SOAData) rrType() Type { return TypeSOA }
func (d SOAData) encode(buf []byte) ([]byte, error) {
	buf, err := d.MName.Encode(buf)
	if err != nil {
		return nil, err
	}
	buf, err = d.RName.Encode(buf)
	if err != nil {
		return nil, err
	}
	buf = binary.BigEndian.AppendUint32(buf, d.Serial)
	buf = binary.BigEndian.AppendUint32(buf, d.Refresh)
	buf = binary.BigEndian.AppendUint32(buf, d.Retry)
	buf = binary.BigEndian.AppendUint32(buf, d.Expire)
	buf = binary.BigEndian.AppendUint32(buf, d.Minimum)
	return buf, nil
}

// TXTData holds each length-prefixed character-string composing the
// rdata, in the order they appeared on the wire.
type TXTData struct{ Strings [][]byte }

func (TXTData) rrType() Type { return TypeTXT }
func (d TXTData) encode(buf []byte) ([]byte, error) {
	for _, s := range d.Strings {
		if len(s) > 255 {
			return nil, fmt.Errorf("wire: TXT character-string over 255 bytes: %w", ErrMalformedRData)
		}
		buf = append(buf, byte(len(s)))
		buf = append(buf, s...)
	}
	return buf, nil
}

type CAAData struct {
	Flags uint8
	Tag   string
	Value []byte
}

func (CAAData) rrType() Type { return TypeCAA }
func (d CAAData) encode(buf []byte) ([]byte, error) {
	if len(d.Tag) > 255 {
		return nil, fmt.Errorf("wire: CAA tag over 255 bytes: %w", ErrMalformedRData)
	}
	buf = append(buf, d.Flags, byte(len(d.Tag)))
	buf = append(buf, d.Tag...)
	return append(buf, d.Value...), nil
}

// Other is the catch-all variant for any type code without a
// dedicated decoder; Raw holds the rdata bytes verbatim.
type Other struct {
	Type Type
	Raw  []byte
}

func (o Other) rrType() Type                      { return o.Type }
func (o Other) encode(buf []byte) ([]byte, error) { return append(buf, o.Raw...), nil }

// RR is a decoded resource record: the fixed owner/type/class/ttl
// frame plus a type-dispatched RData variant.
type RR struct {
	Name     Name
	Class    Class
	TTL      uint32
	RDLength uint16
	Data     RData
}

func (rr RR) Type() Type { return rr.Data.rrType() }

// decodeRR decodes one RR starting at offset within msg (the owner
// name, fixed frame, and rdata), returning the RR and the offset of
// the next record.
func decodeRR(msg []byte, offset int) (RR, int, error) {
	name, off, err := DecodeName(msg, offset)
	if err != nil {
		return RR{}, 0, err
	}
	if off+rrFixedLen > len(msg) {
		return RR{}, 0, fmt.Errorf("wire: truncated RR frame: %w", ErrMalformedRData)
	}
	typ := Type(binary.BigEndian.Uint16(msg[off:]))
	class := Class(binary.BigEndian.Uint16(msg[off+2:]))
	ttl := binary.BigEndian.Uint32(msg[off+4:])
	rdlen := binary.BigEndian.Uint16(msg[off+8:])
	rdataStart := off + rrFixedLen
	rdataEnd := rdataStart + int(rdlen)
	if rdataEnd > len(msg) {
		return RR{}, 0, fmt.Errorf("wire: rdata overruns message: %w", ErrMalformedRData)
	}

	data, err := decodeRData(msg, rdataStart, int(rdlen), typ)
	if err != nil {
		return RR{}, 0, err
	}

	return RR{
		Name:     name,
		Class:    class,
		TTL:      ttl,
		RDLength: rdlen,
		Data:     data,
	}, rdataEnd, nil
}

func decodeRData(msg []byte, start, rdlen int, typ Type) (RData, error) {
	rdata := msg[start : start+rdlen]
	switch typ {
	case TypeA:
		if rdlen != 4 {
			return nil, fmt.Errorf("wire: A rdlength %d != 4: %w", rdlen, ErrMalformedRData)
		}
		ip := make(net.IP, 4)
		copy(ip, rdata)
		return AData{Addr: ip}, nil
	case TypeAAAA:
		if rdlen != 16 {
			return nil, fmt.Errorf("wire: AAAA rdlength %d != 16: %w", rdlen, ErrMalformedRData)
		}
		ip := make(net.IP, 16)
		copy(ip, rdata)
		return AAAAData{Addr: ip}, nil
	case TypeNS:
		n, _, err := DecodeName(msg, start)
		if err != nil {
			return nil, err
		}
		return NSData{NSDName: n}, nil
	case TypeCNAME:
		n, _, err := DecodeName(msg, start)
		if err != nil {
			return nil, err
		}
		return CNAMEData{Target: n}, nil
	case TypeDNAME:
		n, _, err := DecodeName(msg, start)
		if err != nil {
			return nil, err
		}
		return DNAMEData{Target: n}, nil
	case TypePTR:
		n, _, err := DecodeName(msg, start)
		if err != nil {
			return nil, err
		}
		return PTRData{PTRDName: n}, nil
	case TypeMX:
		if rdlen < 2 {
			return nil, fmt.Errorf("wire: MX rdata too short: %w", ErrMalformedRData)
		}
		pref := binary.BigEndian.Uint16(rdata)
		ex, _, err := DecodeName(msg, start+2)
		if err != nil {
			return nil, err
		}
		return MXData{Preference: pref, Exchange: ex}, nil
	case TypeSOA:
		mname, off, err := DecodeName(msg, start)
		if err != nil {
			return nil, err
		}
		rname, off2, err := DecodeName(msg, off)
		if err != nil {
			return nil, err
		}
		if start+rdlen-off2 < 20 {
			return nil, fmt.Errorf("wire: SOA rdata too short: %w", ErrMalformedRData)
		}
		return SOAData{
			MName:   mname,
			RName:   rname,
			Serial:  binary.BigEndian.Uint32(msg[off2:]),
			Refresh: binary.BigEndian.Uint32(msg[off2+4:]),
			Retry:   binary.BigEndian.Uint32(msg[off2+8:]),
			Expire:  binary.BigEndian.Uint32(msg[off2+12:]),
			Minimum: binary.BigEndian.Uint32(msg[off2+16:]),
		}, nil
	case TypeTXT:
		var strs [][]byte
		p := 0
		for p < len(rdata) {
			n := int(rdata[p])
			p++
			if p+n > len(rdata) {
				return nil, fmt.Errorf("wire: TXT character-string overruns rdata: %w", ErrMalformedRData)
			}
			s := make([]byte, n)
			copy(s, rdata[p:p+n])
			strs = append(strs, s)
			p += n
		}
		return TXTData{Strings: strs}, nil
	case TypeCAA:
		if rdlen < 2 {
			return nil, fmt.Errorf("wire: CAA rdata too short: %w", ErrMalformedRData)
		}
		flags := rdata[0]
		taglen := int(rdata[1])
		if 2+taglen > rdlen {
			return nil, fmt.Errorf("wire: CAA taglen overruns rdata: %w", ErrMalformedRData)
		}
		tag := string(rdata[2 : 2+taglen])
		value := make([]byte, rdlen-2-taglen)
		copy(value, rdata[2+taglen:])
		return CAAData{Flags: flags, Tag: tag, Value: value}, nil
	default:
		raw := make([]byte, rdlen)
		copy(raw, rdata)
		return Other{Type: typ, Raw: raw}, nil
	}
}

// Encode appends the wire form of rr (owner name, fixed frame, rdata)
// to buf.
func (rr RR) Encode(buf []byte) ([]byte, error) {
	buf, err := rr.Name.Encode(buf)
	if err != nil {
		return nil, err
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(rr.Type()))
	buf = binary.BigEndian.AppendUint16(buf, uint16(rr.Class))
	buf = binary.BigEndian.AppendUint32(buf, rr.TTL)

	lenIdx := len(buf)
	buf = binary.BigEndian.AppendUint16(buf, 0) // placeholder, patched below
	rdataStart := len(buf)
	buf, err = rr.Data.encode(buf)
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint16(buf[lenIdx:], uint16(len(buf)-rdataStart))
	return buf, nil
}
