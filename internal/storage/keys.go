package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Key is an order-preserving encoding of a tuple of strings and integers.
// Integers compare numerically (negative ones included), strings lexicographically,
// and an encoded tuple is a byte prefix of every tuple extending it.
type Key []byte

const (
	tagString byte = 0x02
	tagInt    byte = 0x15

	// every encoded element starts with a tag lower than this
	prefixEnd byte = 0xFF
)

// Tuple encodes parts into a Key. Supported parts are string, int, int32, int64 and bool.
func Tuple(parts ...interface{}) Key {
	var buf bytes.Buffer
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			appendString(&buf, v)
		case int:
			appendInt(&buf, int64(v))
		case int32:
			appendInt(&buf, int64(v))
		case int64:
			appendInt(&buf, v)
		case bool:
			if v {
				appendInt(&buf, 1)
			} else {
				appendInt(&buf, 0)
			}
		default:
			panic(fmt.Sprintf("storage: unsupported tuple element %T", p))
		}
	}
	return buf.Bytes()
}

func appendString(buf *bytes.Buffer, s string) {
	buf.WriteByte(tagString)
	for i := 0; i < len(s); i++ {
		buf.WriteByte(s[i])
		if s[i] == 0x00 {
			buf.WriteByte(0xFF)
		}
	}
	buf.WriteByte(0x00)
}

func appendInt(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v)^(1<<63))
	buf.WriteByte(tagInt)
	buf.Write(b[:])
}

// Unpack decodes a Key produced by Tuple. Integers are returned as int64.
func (k Key) Unpack() ([]interface{}, error) {
	var out []interface{}
	for i := 0; i < len(k); {
		switch k[i] {
		case tagInt:
			if i+9 > len(k) {
				return nil, errors.Wrapf(ErrBadKey, "truncated integer at %d", i)
			}
			out = append(out, int64(binary.BigEndian.Uint64(k[i+1:i+9])^(1<<63)))
			i += 9
		case tagString:
			var s []byte
			j := i + 1
			for {
				if j >= len(k) {
					return nil, errors.Wrapf(ErrBadKey, "unterminated string at %d", i)
				}
				if k[j] == 0x00 {
					if j+1 < len(k) && k[j+1] == 0xFF {
						s = append(s, 0x00)
						j += 2
						continue
					}
					break
				}
				s = append(s, k[j])
				j++
			}
			out = append(out, string(s))
			i = j + 1
		default:
			return nil, errors.Wrapf(ErrBadKey, "unknown tag %#x at %d", k[i], i)
		}
	}
	return out, nil
}

// Int returns integer element at idx
func (k Key) Int(idx int) (int64, error) {
	parts, err := k.Unpack()
	if err != nil {
		return 0, err
	}
	if idx >= len(parts) {
		return 0, errors.Wrapf(ErrBadKey, "no element %d", idx)
	}
	v, ok := parts[idx].(int64)
	if !ok {
		return 0, errors.Wrapf(ErrBadKey, "element %d is %T", idx, parts[idx])
	}
	return v, nil
}

// HasPrefix reports whether k starts with prefix
func (k Key) HasPrefix(prefix Key) bool {
	return bytes.HasPrefix(k, prefix)
}

// rangeEnd is the exclusive upper bound of all keys starting with prefix
func rangeEnd(prefix Key) Key {
	end := make(Key, len(prefix)+1)
	copy(end, prefix)
	end[len(prefix)] = prefixEnd
	return end
}
