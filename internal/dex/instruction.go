package dex

import "encoding/binary"

// Opcode Dalvik 操作码
type Opcode uint8

// 关心的操作码
const (
	OpNop                    Opcode = 0x00
	OpConstString            Opcode = 0x1a
	OpConstStringJumbo       Opcode = 0x1b
	OpIget                   Opcode = 0x52
	OpSputShort              Opcode = 0x6d
	OpInvokeVirtual          Opcode = 0x6e
	OpInvokeInterface        Opcode = 0x72
	OpInvokeVirtualRange     Opcode = 0x74
	OpInvokeInterfaceRange   Opcode = 0x78
	OpInvokePolymorphic      Opcode = 0xfa
	OpInvokePolymorphicRange Opcode = 0xfb
	OpInvokeCustom           Opcode = 0xfc
	OpInvokeCustomRange      Opcode = 0xfd
)

// IsFieldAccess iget* / iput* / sget* / sput*
func (op Opcode) IsFieldAccess() bool {
	return op >= OpIget && op <= OpSputShort
}

// IsInvoke 所有 invoke 指令，包括 invoke-polymorphic 与 invoke-custom
func (op Opcode) IsInvoke() bool {
	switch {
	case op >= OpInvokeVirtual && op <= OpInvokeInterface:
		return true
	case op >= OpInvokeVirtualRange && op <= OpInvokeInterfaceRange:
		return true
	case op >= OpInvokePolymorphic && op <= OpInvokeCustomRange:
		return true
	}
	return false
}

// IsConstString const-string 与 const-string/jumbo
func (op Opcode) IsConstString() bool {
	return op == OpConstString || op == OpConstStringJumbo
}

// Instruction 解码后的指令
// Reference 为 StringRef、FieldRef、MethodRef 之一，不引用常量池的指令为 nil
type Instruction struct {
	Offset    uint32
	Opcode    Opcode
	Reference Reference
}

// widths 各操作码的指令长度（16 位码元），0 表示未使用的操作码
var widths = func() [256]uint8 {
	var w [256]uint8
	set := func(from, to int, n uint8) {
		for op := from; op <= to; op++ {
			w[op] = n
		}
	}
	set(0x00, 0x01, 1)
	set(0x02, 0x02, 2)
	set(0x03, 0x03, 3)
	set(0x04, 0x04, 1)
	set(0x05, 0x05, 2)
	set(0x06, 0x06, 3)
	set(0x07, 0x07, 1)
	set(0x08, 0x08, 2)
	set(0x09, 0x09, 3)
	set(0x0a, 0x12, 1)
	set(0x13, 0x13, 2)
	set(0x14, 0x14, 3)
	set(0x15, 0x16, 2)
	set(0x17, 0x17, 3)
	set(0x18, 0x18, 5)
	set(0x19, 0x1a, 2)
	set(0x1b, 0x1b, 3)
	set(0x1c, 0x1c, 2)
	set(0x1d, 0x1e, 1)
	set(0x1f, 0x20, 2)
	set(0x21, 0x21, 1)
	set(0x22, 0x23, 2)
	set(0x24, 0x26, 3)
	set(0x27, 0x28, 1)
	set(0x29, 0x29, 2)
	set(0x2a, 0x2c, 3)
	set(0x2d, 0x3d, 2)
	set(0x44, 0x6d, 2)
	set(0x6e, 0x72, 3)
	set(0x74, 0x78, 3)
	set(0x7b, 0x8f, 1)
	set(0x90, 0xaf, 2)
	set(0xb0, 0xcf, 1)
	set(0xd0, 0xe2, 2)
	set(0xfa, 0xfb, 4)
	set(0xfc, 0xfd, 3)
	set(0xfe, 0xff, 2)
	return w
}()

// payload 伪指令标识（nop 的高字节）
const (
	packedSwitchPayload = 0x01
	sparseSwitchPayload = 0x02
	fillArrayPayload    = 0x03
)

// Instructions 按程序顺序解码方法体，switch / fill-array-data 载荷被跳过
func (m *Method) Instructions() ([]Instruction, error) {
	if m.codeOff == 0 {
		return nil, nil
	}
	insns, err := m.code()
	if err != nil {
		return nil, formatErr("%s: method %s: %v", m.file.Name, m.Ref.Descriptor(), err)
	}

	var result []Instruction
	for pc := 0; pc < len(insns); {
		unit := insns[pc]
		op := Opcode(unit & 0xff)

		if op == OpNop && unit>>8 != 0 {
			n, err := payloadWidth(insns[pc:])
			if err != nil {
				return nil, formatErr("%s: method %s at %#x: %v", m.file.Name, m.Ref.Descriptor(), pc, err)
			}
			pc += n
			continue
		}

		width := int(widths[op])
		if width == 0 {
			return nil, formatErr("%s: method %s at %#x: unused opcode %#02x", m.file.Name, m.Ref.Descriptor(), pc, uint8(op))
		}
		if pc+width > len(insns) {
			return nil, formatErr("%s: method %s at %#x: truncated instruction", m.file.Name, m.Ref.Descriptor(), pc)
		}

		ref, err := m.reference(op, insns[pc:pc+width])
		if err != nil {
			return nil, formatErr("%s: method %s at %#x: %v", m.file.Name, m.Ref.Descriptor(), pc, err)
		}
		result = append(result, Instruction{Offset: uint32(pc), Opcode: op, Reference: ref})
		pc += width
	}
	return result, nil
}

// code 读取 code_item 的指令数组
func (m *Method) code() ([]uint16, error) {
	data := m.file.data
	if uint64(m.codeOff)+codeItemSize > uint64(len(data)) {
		return nil, formatErr("code item offset %#x out of bounds", m.codeOff)
	}
	size := binary.LittleEndian.Uint32(data[m.codeOff+12:])
	start := uint64(m.codeOff) + codeItemSize
	end := start + uint64(size)*2
	if end > uint64(len(data)) {
		return nil, formatErr("code of %d units exceeds file", size)
	}

	insns := make([]uint16, size)
	for i := range insns {
		insns[i] = binary.LittleEndian.Uint16(data[start+uint64(i)*2:])
	}
	return insns, nil
}

func payloadWidth(units []uint16) (int, error) {
	if len(units) < 2 {
		return 0, formatErr("truncated payload")
	}
	var n int
	switch units[0] >> 8 {
	case packedSwitchPayload:
		n = 4 + int(units[1])*2
	case sparseSwitchPayload:
		n = 2 + int(units[1])*4
	case fillArrayPayload:
		if len(units) < 4 {
			return 0, formatErr("truncated payload")
		}
		elementWidth := int(units[1])
		size := int(uint32(units[2]) | uint32(units[3])<<16)
		n = 4 + (size*elementWidth+1)/2
	default:
		return 0, formatErr("unknown payload %#04x", units[0])
	}
	if n > len(units) {
		return 0, formatErr("payload of %d units exceeds code", n)
	}
	return n, nil
}

func (m *Method) reference(op Opcode, units []uint16) (Reference, error) {
	switch {
	case op == OpConstString:
		s, ok := m.file.String(uint32(units[1]))
		if !ok {
			return nil, formatErr("string index %d out of range", units[1])
		}
		return StringRef(s), nil
	case op == OpConstStringJumbo:
		idx := uint32(units[1]) | uint32(units[2])<<16
		s, ok := m.file.String(idx)
		if !ok {
			return nil, formatErr("string index %d out of range", idx)
		}
		return StringRef(s), nil
	case op.IsFieldAccess():
		ref, ok := m.file.Field(uint32(units[1]))
		if !ok {
			return nil, formatErr("field index %d out of range", units[1])
		}
		return ref, nil
	case op == OpInvokeCustom || op == OpInvokeCustomRange:
		// 引用的是 call site，不是方法
		return nil, nil
	case op.IsInvoke():
		ref, ok := m.file.Method(uint32(units[1]))
		if !ok {
			return nil, formatErr("method index %d out of range", units[1])
		}
		return ref, nil
	}
	return nil, nil
}
