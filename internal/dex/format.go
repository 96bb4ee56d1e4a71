// Package dex 解析 Dalvik 可执行文件（DEX），供字节码遍历使用
//
// 格式说明见 https://source.android.com/docs/core/runtime/dex-format
// 所有偏移与索引在使用前都做范围检查，畸形数据返回 ErrFormat 而不是 panic。
package dex

import (
	"errors"
	"fmt"
)

const (
	headerSize         = 0x70
	endianConstant     = 0x12345678
	reverseEndianConst = 0x78563412
	noIndex            = 0xffffffff

	stringIDSize = 4
	typeIDSize   = 4
	protoIDSize  = 12
	fieldIDSize  = 8
	methodIDSize = 8
	classDefSize = 32
	codeItemSize = 16
)

// ErrFormat DEX 数据畸形
var ErrFormat = errors.New("malformed dex")

func formatErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrFormat, fmt.Sprintf(format, args...))
}

// header 文件头，字段顺序与磁盘布局一致，通过 binary.Read 填充
type header struct {
	Magic         [8]byte
	Checksum      uint32
	Signature     [20]byte
	FileSize      uint32
	HeaderSize    uint32
	EndianTag     uint32
	LinkSize      uint32
	LinkOff       uint32
	MapOff        uint32
	StringIDsSize uint32
	StringIDsOff  uint32
	TypeIDsSize   uint32
	TypeIDsOff    uint32
	ProtoIDsSize  uint32
	ProtoIDsOff   uint32
	FieldIDsSize  uint32
	FieldIDsOff   uint32
	MethodIDsSize uint32
	MethodIDsOff  uint32
	ClassDefsSize uint32
	ClassDefsOff  uint32
	DataSize      uint32
	DataOff       uint32
}

type protoIDItem struct {
	ShortyIdx     uint32
	ReturnTypeIdx uint32
	ParametersOff uint32
}

type fieldIDItem struct {
	ClassIdx uint16
	TypeIdx  uint16
	NameIdx  uint32
}

type methodIDItem struct {
	ClassIdx uint16
	ProtoIdx uint16
	NameIdx  uint32
}

type classDefItem struct {
	ClassIdx        uint32
	AccessFlags     uint32
	SuperclassIdx   uint32
	InterfacesOff   uint32
	SourceFileIdx   uint32
	AnnotationsOff  uint32
	ClassDataOff    uint32
	StaticValuesOff uint32
}

// IsMagic 判断数据是否以 DEX 魔数开头（dex\n + 三位版本号 + \0）
func IsMagic(b []byte) bool {
	if len(b) < 8 {
		return false
	}
	if string(b[:4]) != "dex\n" || b[7] != 0 {
		return false
	}
	for _, c := range b[4:7] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
