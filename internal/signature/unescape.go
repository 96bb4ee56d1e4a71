package signature

import (
	"strconv"
	"strings"
)

// Unescape 按 Java 字符串字面量规则反转义
// 支持 \b \t \n \f \r \" \' \\、八进制 \0-\377 与 \uXXXX；
// 其它 "\x" 序列去掉反斜杠保留字符，末尾孤立的反斜杠原样保留
func Unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}

		i++
		switch next := s[i]; next {
		case 'b':
			b.WriteByte('\b')
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case 'f':
			b.WriteByte('\f')
		case 'r':
			b.WriteByte('\r')
		case '"', '\'', '\\':
			b.WriteByte(next)
		case 'u':
			// \uuuu0041 与 A 等价
			j := i
			for j < len(s) && s[j] == 'u' {
				j++
			}
			if j+4 <= len(s) {
				if v, err := strconv.ParseUint(s[j:j+4], 16, 32); err == nil {
					b.WriteRune(rune(v))
					i = j + 3
					continue
				}
			}
			b.WriteByte('\\')
			b.WriteByte(next)
		default:
			if next >= '0' && next <= '7' {
				i += writeOctal(&b, s[i:]) - 1
				continue
			}
			b.WriteByte(next)
		}
	}
	return b.String()
}

// writeOctal 写入八进制转义对应的字符，返回消耗的字节数
// 首位 0-3 时最多三位，否则最多两位
func writeOctal(b *strings.Builder, s string) int {
	limit := 2
	if s[0] <= '3' {
		limit = 3
	}
	n := 0
	for n < limit && n < len(s) && s[n] >= '0' && s[n] <= '7' {
		n++
	}
	v, _ := strconv.ParseUint(s[:n], 8, 32)
	b.WriteRune(rune(v))
	return n
}
