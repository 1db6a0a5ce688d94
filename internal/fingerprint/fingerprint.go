// Package fingerprint derives stable identities for extracted items.
//
// A fingerprint is a pure function of (source id, natural key, canonical
// content digest). Two fetches of an unchanged item always produce the same
// fingerprint; reordered fields or insignificant whitespace never change it.
package fingerprint

import (
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Size is the digest width in bytes (128 bits).
const Size = 16

// Compute returns the hex fingerprint of one item.
func Compute(sourceID, naturalKey, digest string) string {
	h, _ := blake2b.New(Size, nil)
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write([]byte(naturalKey))
	h.Write([]byte{0})
	h.Write([]byte(digest))
	return hex.EncodeToString(h.Sum(nil))
}

// Digest canonicalises the selected fields. With no keys every field is used.
// Keys are sorted and values whitespace-collapsed, so map order and
// formatting noise do not leak into the result.
func Digest(fields map[string]string, keys []string) string {
	if len(keys) == 0 {
		keys = make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
	} else {
		keys = append([]string(nil), keys...)
	}
	sort.Strings(keys)

	var b strings.Builder
	prev := ""
	for i, k := range keys {
		if i > 0 && k == prev {
			continue
		}
		prev = k
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(Normalize(fields[k]))
		b.WriteByte('\n')
	}
	return b.String()
}

// Normalize trims and collapses runs of whitespace to a single space.
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Key expands a natural-key template such as "post_{id}" or
// "{project}+{date}+{amount}". Unknown placeholders expand to "".
// An empty template falls back to the "id" field.
func Key(template string, fields map[string]string) string {
	if strings.TrimSpace(template) == "" {
		return Normalize(fields["id"])
	}
	var b strings.Builder
	for i := 0; i < len(template); {
		c := template[i]
		if c == '{' {
			if j := strings.IndexByte(template[i+1:], '}'); j >= 0 {
				name := template[i+1 : i+1+j]
				b.WriteString(Normalize(fields[name]))
				i += j + 2
				continue
			}
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}
