// Package dextest 在内存中构造 DEX 文件与 APK，供各包的单元测试使用
package dextest

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/adler32"
	"os"
	"path/filepath"
	"sort"
	"unicode/utf16"
)

const (
	headerSize = 0x70
	noIndex    = 0xffffffff
)

// Builder DEX 构造器
type Builder struct {
	classes []*Class

	strings    []string
	stringIdx  map[string]uint32
	types      []string
	typeIdx    map[string]uint32
	protos     []string
	protoIdx   map[string]uint32
	fields     []fieldKey
	fieldIdx   map[fieldKey]uint32
	methods    []methodKey
	methodIdx  map[methodKey]uint32
	dataBuffer bytes.Buffer
	dataOff    uint32
}

type fieldKey struct{ class, name, typ string }
type methodKey struct{ class, name, proto string }

// Class 类定义
type Class struct {
	Type        string
	Superclass  string
	AccessFlags uint32

	staticFields   []fieldDef
	instanceFields []fieldDef
	directMethods  []methodDef
	virtualMethods []methodDef
}

type fieldDef struct {
	name, typ string
	flags     uint32
	value     *Value
}

type methodDef struct {
	name, proto string
	flags       uint32
	code        []Insn
	hasCode     bool
}

// Value 静态字段初值
type Value struct {
	str *string
	num *int32
}

// String 字符串初值
func String(s string) *Value { return &Value{str: &s} }

// Int 整数初值
func Int(i int32) *Value { return &Value{num: &i} }

// New 创建构造器
func New() *Builder {
	return &Builder{
		stringIdx: map[string]uint32{},
		typeIdx:   map[string]uint32{},
		protoIdx:  map[string]uint32{},
		fieldIdx:  map[fieldKey]uint32{},
		methodIdx: map[methodKey]uint32{},
	}
}

// Class 添加类，descriptor 形如 Lcom/example/Foo;
func (b *Builder) Class(descriptor string) *Class {
	c := &Class{Type: descriptor, Superclass: "Ljava/lang/Object;", AccessFlags: 0x1}
	b.classes = append(b.classes, c)
	return c
}

// StaticField 添加静态字段，value 可为 nil
func (c *Class) StaticField(name, typ string, value *Value) *Class {
	c.staticFields = append(c.staticFields, fieldDef{name: name, typ: typ, flags: 0x9, value: value})
	return c
}

// InstanceField 添加实例字段
func (c *Class) InstanceField(name, typ string) *Class {
	c.instanceFields = append(c.instanceFields, fieldDef{name: name, typ: typ, flags: 0x1})
	return c
}

// DirectMethod 添加 direct 方法
func (c *Class) DirectMethod(name, proto string, code ...Insn) *Class {
	c.directMethods = append(c.directMethods, methodDef{name: name, proto: proto, flags: 0x2, code: code, hasCode: true})
	return c
}

// VirtualMethod 添加 virtual 方法
func (c *Class) VirtualMethod(name, proto string, code ...Insn) *Class {
	c.virtualMethods = append(c.virtualMethods, methodDef{name: name, proto: proto, flags: 0x1, code: code, hasCode: true})
	return c
}

// AbstractMethod 添加无字节码的 virtual 方法
func (c *Class) AbstractMethod(name, proto string) *Class {
	c.virtualMethods = append(c.virtualMethods, methodDef{name: name, proto: proto, flags: 0x401})
	return c
}

// Insn 指令模板，常量池索引在 Bytes 时回填
type Insn struct {
	units  []uint16
	str    *string
	field  *fieldKey
	method *methodKey
	jumbo  bool
}

// Raw 原样写入的码元
func Raw(units ...uint16) Insn { return Insn{units: units} }

// ReturnVoid return-void
func ReturnVoid() Insn { return Raw(0x000e) }

// ConstString const-string vAA, "s"
func ConstString(reg uint8, s string) Insn {
	return Insn{units: []uint16{0x1a | uint16(reg)<<8, 0}, str: &s}
}

// ConstStringJumbo const-string/jumbo vAA, "s"
func ConstStringJumbo(reg uint8, s string) Insn {
	return Insn{units: []uint16{0x1b | uint16(reg)<<8, 0, 0}, str: &s, jumbo: true}
}

// FieldOp 字段访问指令（0x52-0x6d）
func FieldOp(op uint8, class, name, typ string) Insn {
	return Insn{units: []uint16{uint16(op), 0}, field: &fieldKey{class, name, typ}}
}

// Invoke invoke 指令（35c / 3rc / 45cc / 4rcc）
func Invoke(op uint8, class, name, proto string) Insn {
	units := []uint16{uint16(op), 0, 0}
	if op == 0xfa || op == 0xfb {
		units = append(units, 0)
	}
	return Insn{units: units, method: &methodKey{class, name, proto}}
}

// InvokeCustom invoke-custom，引用 call site
func InvokeCustom(callSite uint16) Insn { return Raw(0x00fc, callSite, 0) }

// PackedSwitchPayload packed-switch 载荷
func PackedSwitchPayload(size uint16) Insn {
	units := []uint16{0x0100, size, 0, 0}
	for i := 0; i < int(size); i++ {
		units = append(units, 0, 0)
	}
	return Raw(units...)
}

// FillArrayPayload fill-array-data 载荷
func FillArrayPayload(width uint16, size uint32) Insn {
	units := []uint16{0x0300, width, uint16(size), uint16(size >> 16)}
	for i := 0; i < int((size*uint32(width)+1)/2); i++ {
		units = append(units, 0)
	}
	return Raw(units...)
}

// Bytes 生成 DEX 数据
func (b *Builder) Bytes() []byte {
	b.dataBuffer.Reset()
	// 先登记成员定义，保证同一类中成员索引递增
	for _, c := range b.classes {
		b.addType(c.Type)
		if c.Superclass != "" {
			b.addType(c.Superclass)
		}
		for _, list := range [][]fieldDef{c.staticFields, c.instanceFields} {
			for _, f := range list {
				b.addField(fieldKey{c.Type, f.name, f.typ})
			}
		}
		for _, list := range [][]methodDef{c.directMethods, c.virtualMethods} {
			for _, m := range list {
				b.addMethod(methodKey{c.Type, m.name, m.proto})
			}
		}
	}
	for _, c := range b.classes {
		for _, f := range c.staticFields {
			if f.value != nil && f.value.str != nil {
				b.addString(*f.value.str)
			}
		}
		for _, list := range [][]methodDef{c.directMethods, c.virtualMethods} {
			for _, m := range list {
				for _, insn := range m.code {
					switch {
					case insn.str != nil:
						b.addString(*insn.str)
					case insn.field != nil:
						b.addField(*insn.field)
					case insn.method != nil:
						b.addMethod(*insn.method)
					}
				}
			}
		}
	}

	off := uint32(headerSize)
	stringIDsOff := off
	off += 4 * uint32(len(b.strings))
	typeIDsOff := off
	off += 4 * uint32(len(b.types))
	protoIDsOff := off
	off += 12 * uint32(len(b.protos))
	fieldIDsOff := off
	off += 8 * uint32(len(b.fields))
	methodIDsOff := off
	off += 8 * uint32(len(b.methods))
	classDefsOff := off
	off += 32 * uint32(len(b.classes))
	b.dataOff = off

	stringOffs := make([]uint32, len(b.strings))
	for i, s := range b.strings {
		stringOffs[i] = b.here()
		b.uleb(uint32(len(utf16.Encode([]rune(s)))))
		b.dataBuffer.Write(encodeMUTF8(s))
		b.dataBuffer.WriteByte(0)
	}

	paramOffs := make([]uint32, len(b.protos))
	for i, p := range b.protos {
		params, _ := splitProto(p)
		if len(params) == 0 {
			continue
		}
		b.align4()
		paramOffs[i] = b.here()
		b.u32(uint32(len(params)))
		for _, t := range params {
			b.u16(uint16(b.typeIdx[t]))
		}
	}

	type classOffsets struct{ data, static uint32 }
	classOffs := make([]classOffsets, len(b.classes))
	for i, c := range b.classes {
		codeOffs := map[*methodDef]uint32{}
		for _, list := range [][]methodDef{c.directMethods, c.virtualMethods} {
			for j := range list {
				m := &list[j]
				if m.hasCode {
					codeOffs[m] = b.writeCode(m.code)
				}
			}
		}
		classOffs[i].static = b.writeStaticValues(c.staticFields)
		classOffs[i].data = b.writeClassData(c, codeOffs)
	}

	data := b.dataBuffer.Bytes()
	out := make([]byte, int(b.dataOff)+len(data))
	copy(out[b.dataOff:], data)
	le := binary.LittleEndian

	copy(out[0:8], "dex\n035\x00")
	le.PutUint32(out[32:], uint32(len(out)))
	le.PutUint32(out[36:], headerSize)
	le.PutUint32(out[40:], 0x12345678)
	sections := []uint32{
		uint32(len(b.strings)), stringIDsOff,
		uint32(len(b.types)), typeIDsOff,
		uint32(len(b.protos)), protoIDsOff,
		uint32(len(b.fields)), fieldIDsOff,
		uint32(len(b.methods)), methodIDsOff,
		uint32(len(b.classes)), classDefsOff,
		uint32(len(data)), b.dataOff,
	}
	for i, v := range sections {
		le.PutUint32(out[56+4*i:], v)
	}

	for i, o := range stringOffs {
		le.PutUint32(out[stringIDsOff+4*uint32(i):], o)
	}
	for i, t := range b.types {
		le.PutUint32(out[typeIDsOff+4*uint32(i):], b.stringIdx[t])
	}
	for i, p := range b.protos {
		params, ret := splitProto(p)
		base := protoIDsOff + 12*uint32(i)
		le.PutUint32(out[base:], b.stringIdx[shorty(params, ret)])
		le.PutUint32(out[base+4:], b.typeIdx[ret])
		le.PutUint32(out[base+8:], paramOffs[i])
	}
	for i, f := range b.fields {
		base := fieldIDsOff + 8*uint32(i)
		le.PutUint16(out[base:], uint16(b.typeIdx[f.class]))
		le.PutUint16(out[base+2:], uint16(b.typeIdx[f.typ]))
		le.PutUint32(out[base+4:], b.stringIdx[f.name])
	}
	for i, m := range b.methods {
		base := methodIDsOff + 8*uint32(i)
		le.PutUint16(out[base:], uint16(b.typeIdx[m.class]))
		le.PutUint16(out[base+2:], uint16(b.protoIdx[m.proto]))
		le.PutUint32(out[base+4:], b.stringIdx[m.name])
	}
	for i, c := range b.classes {
		base := classDefsOff + 32*uint32(i)
		super := uint32(noIndex)
		if c.Superclass != "" {
			super = b.typeIdx[c.Superclass]
		}
		le.PutUint32(out[base:], b.typeIdx[c.Type])
		le.PutUint32(out[base+4:], c.AccessFlags)
		le.PutUint32(out[base+8:], super)
		le.PutUint32(out[base+16:], noIndex)
		le.PutUint32(out[base+24:], classOffs[i].data)
		le.PutUint32(out[base+28:], classOffs[i].static)
	}

	le.PutUint32(out[8:], adler32.Checksum(out[12:]))
	return out
}

func (b *Builder) here() uint32 {
	return b.dataOff + uint32(b.dataBuffer.Len())
}

func (b *Builder) align4() {
	for b.here()%4 != 0 {
		b.dataBuffer.WriteByte(0)
	}
}

func (b *Builder) u16(v uint16) {
	_ = binary.Write(&b.dataBuffer, binary.LittleEndian, v)
}

func (b *Builder) u32(v uint32) {
	_ = binary.Write(&b.dataBuffer, binary.LittleEndian, v)
}

func (b *Builder) uleb(v uint32) {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b.dataBuffer.WriteByte(c | 0x80)
			continue
		}
		b.dataBuffer.WriteByte(c)
		return
	}
}

func (b *Builder) writeCode(code []Insn) uint32 {
	var units []uint16
	for _, insn := range code {
		u := append([]uint16(nil), insn.units...)
		switch {
		case insn.str != nil:
			idx := b.stringIdx[*insn.str]
			u[1] = uint16(idx)
			if insn.jumbo {
				u[2] = uint16(idx >> 16)
			}
		case insn.field != nil:
			u[1] = uint16(b.fieldIdx[*insn.field])
		case insn.method != nil:
			u[1] = uint16(b.methodIdx[*insn.method])
		}
		units = append(units, u...)
	}

	b.align4()
	off := b.here()
	b.u16(4) // registers
	b.u16(0) // ins
	b.u16(2) // outs
	b.u16(0) // tries
	b.u32(0) // debug info
	b.u32(uint32(len(units)))
	for _, u := range units {
		b.u16(u)
	}
	return off
}

func (b *Builder) writeStaticValues(fields []fieldDef) uint32 {
	last := -1
	for i, f := range fields {
		if f.value != nil {
			last = i
		}
	}
	if last < 0 {
		return 0
	}

	off := b.here()
	b.uleb(uint32(last + 1))
	for _, f := range fields[:last+1] {
		switch {
		case f.value == nil:
			b.dataBuffer.WriteByte(0x1e)
		case f.value.str != nil:
			idx := b.stringIdx[*f.value.str]
			b.dataBuffer.WriteByte(0x17 | 3<<5)
			b.u32(idx)
		case f.value.num != nil:
			b.dataBuffer.WriteByte(0x04 | 3<<5)
			b.u32(uint32(*f.value.num))
		}
	}
	return off
}

func (b *Builder) writeClassData(c *Class, codeOffs map[*methodDef]uint32) uint32 {
	off := b.here()
	b.uleb(uint32(len(c.staticFields)))
	b.uleb(uint32(len(c.instanceFields)))
	b.uleb(uint32(len(c.directMethods)))
	b.uleb(uint32(len(c.virtualMethods)))

	for _, list := range [][]fieldDef{c.staticFields, c.instanceFields} {
		prev := uint32(0)
		for _, f := range list {
			idx := b.fieldIdx[fieldKey{c.Type, f.name, f.typ}]
			if idx < prev {
				panic(fmt.Sprintf("dextest: field %s declared out of order", f.name))
			}
			b.uleb(idx - prev)
			b.uleb(f.flags)
			prev = idx
		}
	}
	for _, list := range [][]methodDef{c.directMethods, c.virtualMethods} {
		prev := uint32(0)
		for j := range list {
			m := &list[j]
			idx := b.methodIdx[methodKey{c.Type, m.name, m.proto}]
			if idx < prev {
				panic(fmt.Sprintf("dextest: method %s declared out of order", m.name))
			}
			b.uleb(idx - prev)
			b.uleb(m.flags)
			b.uleb(codeOffs[m])
			prev = idx
		}
	}
	return off
}

func (b *Builder) addString(s string) uint32 {
	if idx, ok := b.stringIdx[s]; ok {
		return idx
	}
	idx := uint32(len(b.strings))
	b.strings = append(b.strings, s)
	b.stringIdx[s] = idx
	return idx
}

func (b *Builder) addType(t string) uint32 {
	if idx, ok := b.typeIdx[t]; ok {
		return idx
	}
	b.addString(t)
	idx := uint32(len(b.types))
	b.types = append(b.types, t)
	b.typeIdx[t] = idx
	return idx
}

func (b *Builder) addProto(p string) uint32 {
	if idx, ok := b.protoIdx[p]; ok {
		return idx
	}
	params, ret := splitProto(p)
	b.addType(ret)
	for _, t := range params {
		b.addType(t)
	}
	b.addString(shorty(params, ret))
	idx := uint32(len(b.protos))
	b.protos = append(b.protos, p)
	b.protoIdx[p] = idx
	return idx
}

func (b *Builder) addField(k fieldKey) {
	if _, ok := b.fieldIdx[k]; ok {
		return
	}
	b.addType(k.class)
	b.addType(k.typ)
	b.addString(k.name)
	b.fieldIdx[k] = uint32(len(b.fields))
	b.fields = append(b.fields, k)
}

func (b *Builder) addMethod(k methodKey) {
	if _, ok := b.methodIdx[k]; ok {
		return
	}
	b.addType(k.class)
	b.addString(k.name)
	b.addProto(k.proto)
	b.methodIdx[k] = uint32(len(b.methods))
	b.methods = append(b.methods, k)
}

// splitProto 拆分 "(Ljava/lang/String;I)V" 形式的原型
func splitProto(p string) ([]string, string) {
	if len(p) < 3 || p[0] != '(' {
		panic("dextest: bad proto " + p)
	}
	var params []string
	i := 1
	for p[i] != ')' {
		start := i
		for p[i] == '[' {
			i++
		}
		if p[i] == 'L' {
			for p[i] != ';' {
				i++
			}
		}
		i++
		params = append(params, p[start:i])
	}
	return params, p[i+1:]
}

func shorty(params []string, ret string) string {
	short := func(t string) byte {
		if t[0] == 'L' || t[0] == '[' {
			return 'L'
		}
		return t[0]
	}
	s := []byte{short(ret)}
	for _, t := range params {
		s = append(s, short(t))
	}
	return string(s)
}

func encodeMUTF8(s string) []byte {
	var out []byte
	for _, u := range utf16.Encode([]rune(s)) {
		switch {
		case u != 0 && u < 0x80:
			out = append(out, byte(u))
		case u < 0x800:
			out = append(out, byte(0xc0|u>>6), byte(0x80|u&0x3f))
		default:
			out = append(out, byte(0xe0|u>>12), byte(0x80|(u>>6)&0x3f), byte(0x80|u&0x3f))
		}
	}
	return out
}

// WriteAPK 将条目写入 dir 下的 zip 文件，返回路径
func WriteAPK(dir, name string, entries map[string][]byte) (string, error) {
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	names := make([]string, 0, len(entries))
	for n := range entries {
		names = append(names, n)
	}
	sort.Strings(names)

	zw := zip.NewWriter(f)
	for _, n := range names {
		w, err := zw.Create(n)
		if err != nil {
			return "", err
		}
		if _, err := w.Write(entries[n]); err != nil {
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return path, nil
}
