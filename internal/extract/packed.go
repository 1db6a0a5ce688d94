package extract

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"feedwatch/internal/source"
)

// PackedRecord is the typed payload attached to items from packed sources.
type PackedRecord struct {
	Version int
	Index   int
	Raw     []byte
}

const packedHeaderTail = 1 + 4 // version byte + uint32 count

func extractPacked(body []byte, rules source.Rules) ([]rawItem, error) {
	p := rules.Packed
	if p == nil {
		return nil, fmt.Errorf("%w: packed rules missing", ErrHard)
	}
	payload, err := packedPayload(body, *p)
	if err != nil {
		return nil, err
	}
	version, records, err := DecodePacked(payload, *p)
	if err != nil {
		return nil, err
	}

	out := make([]rawItem, 0, len(records))
	for i, rec := range records {
		var it rawItem
		off := 0
		for _, f := range p.Fields {
			w := f.Width()
			it.set(f.Name, packedValue(f, rec[off:off+w]))
			off += w
		}
		it.record = PackedRecord{Version: version, Index: i, Raw: rec}
		out = append(out, it)
	}
	return out, nil
}

// packedPayload pulls the binary blob out of the response body.
func packedPayload(body []byte, p source.PackedRules) ([]byte, error) {
	enc := strings.ToLower(strings.TrimSpace(p.Encoding))
	if enc == "" || enc == "raw" {
		return body, nil
	}
	text := string(bytes.TrimSpace(body))
	if p.Path != "" {
		doc, err := decodeJSON(body)
		if err != nil {
			return nil, err
		}
		v, ok := Lookup(doc, p.Path)
		if !ok {
			return nil, fmt.Errorf("%w: payload path %q not found", ErrHard, p.Path)
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: payload at %q is not a string", ErrHard, p.Path)
		}
		text = s
	}
	switch enc {
	case "hex":
		text = strings.TrimPrefix(strings.TrimPrefix(text, "0x"), "0X")
		b, err := hex.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("%w: hex payload: %v", ErrHard, err)
		}
		return b, nil
	case "base64":
		b, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			if b2, err2 := base64.RawURLEncoding.DecodeString(text); err2 == nil {
				return b2, nil
			}
			return nil, fmt.Errorf("%w: base64 payload: %v", ErrHard, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: unknown payload encoding %q", ErrHard, enc)
	}
}

// DecodePacked validates the header and splits the payload into records.
// Layout: magic | version u8 | count u32 BE | count * record.
// Any length or header mismatch is an ErrHard.
func DecodePacked(b []byte, p source.PackedRules) (int, [][]byte, error) {
	size := p.RecordSize()
	if size <= 0 {
		return 0, nil, fmt.Errorf("%w: record size is zero", ErrHard)
	}
	if len(b) < len(p.Magic)+packedHeaderTail {
		return 0, nil, fmt.Errorf("%w: payload shorter than header (%d bytes)", ErrHard, len(b))
	}
	if !bytes.Equal(b[:len(p.Magic)], p.Magic) {
		return 0, nil, fmt.Errorf("%w: bad magic %x", ErrHard, b[:len(p.Magic)])
	}
	b = b[len(p.Magic):]
	version := int(b[0])
	if p.Version > 0 && version != p.Version {
		return 0, nil, fmt.Errorf("%w: unsupported version %d (want %d)", ErrHard, version, p.Version)
	}
	count := binary.BigEndian.Uint32(b[1:5])
	b = b[packedHeaderTail:]
	if uint64(len(b)) != uint64(count)*uint64(size) {
		return 0, nil, fmt.Errorf("%w: %d records of %d bytes declared, %d bytes present", ErrHard, count, size, len(b))
	}
	out := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		out = append(out, b[int(i)*size:int(i+1)*size])
	}
	return version, out, nil
}

func packedValue(f source.PackedField, b []byte) string {
	switch strings.ToLower(f.Type) {
	case "u8":
		return strconv.FormatUint(uint64(b[0]), 10)
	case "u16":
		return strconv.FormatUint(uint64(binary.BigEndian.Uint16(b)), 10)
	case "u32":
		return strconv.FormatUint(uint64(binary.BigEndian.Uint32(b)), 10)
	case "u64":
		return strconv.FormatUint(binary.BigEndian.Uint64(b), 10)
	case "string":
		return strings.TrimRight(string(b), "\x00 ")
	default:
		return hex.EncodeToString(b)
	}
}

// EncodePacked builds a payload in the layout DecodePacked reads.
func EncodePacked(magic []byte, version int, records [][]byte) []byte {
	var buf bytes.Buffer
	buf.Write(magic)
	buf.WriteByte(byte(version))
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(records)))
	buf.Write(n[:])
	for _, r := range records {
		buf.Write(r)
	}
	return buf.Bytes()
}
