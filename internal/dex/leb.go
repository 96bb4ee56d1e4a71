package dex

import (
	"encoding/binary"
	"unicode/utf16"
)

// cursor 顺序读取 LEB128 与定长整数，越界时返回 ErrFormat
type cursor struct {
	data []byte
	pos  int
}

func (c *cursor) remaining() int {
	return len(c.data) - c.pos
}

func (c *cursor) byte() (byte, error) {
	if c.pos >= len(c.data) {
		return 0, formatErr("unexpected end of data at %#x", c.pos)
	}
	b := c.data[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) skip(n int) error {
	if n < 0 || n > c.remaining() {
		return formatErr("skip %d bytes at %#x out of bounds", n, c.pos)
	}
	c.pos += n
	return nil
}

func (c *cursor) bytes(n int) ([]byte, error) {
	start := c.pos
	if err := c.skip(n); err != nil {
		return nil, err
	}
	return c.data[start:c.pos], nil
}

func (c *cursor) uint32() (uint32, error) {
	b, err := c.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// uleb 读取最多 5 字节的无符号 LEB128
func (c *cursor) uleb() (uint32, error) {
	var result uint32
	for i := 0; i < 5; i++ {
		b, err := c.byte()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return result, nil
		}
	}
	return 0, formatErr("uleb128 too long at %#x", c.pos)
}

// decodeMUTF8 将 Modified UTF-8 解码为 Go 字符串
// 先还原为 UTF-16 码元再解码，代理对得以合并，孤立代理项替换为 U+FFFD
func decodeMUTF8(b []byte, utf16Len int) string {
	if utf16Len < 0 || utf16Len > len(b) {
		utf16Len = len(b)
	}
	units := make([]uint16, 0, utf16Len)
	ascii := true

	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c < 0x80:
			units = append(units, uint16(c))
			i++
		case c&0xe0 == 0xc0 && i+1 < len(b):
			ascii = false
			units = append(units, uint16(c&0x1f)<<6|uint16(b[i+1]&0x3f))
			i += 2
		case c&0xf0 == 0xe0 && i+2 < len(b):
			ascii = false
			units = append(units, uint16(c&0x0f)<<12|uint16(b[i+1]&0x3f)<<6|uint16(b[i+2]&0x3f))
			i += 3
		default:
			ascii = false
			units = append(units, 0xfffd)
			i++
		}
	}

	if ascii {
		return string(b)
	}
	return string(utf16.Decode(units))
}
