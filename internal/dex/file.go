package dex

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// File 解析后的单个 DEX 文件
// 常量池在 Parse 时一次性解析并校验，之后只读，可被多个 goroutine 并发访问
type File struct {
	Name    string
	Version string

	data    []byte
	hdr     header
	strings []string
	types   []string
	protos  []string
	fields  []FieldRef
	methods []MethodRef
	classes []*ClassDef
}

// Parse 解析 DEX 数据，name 仅用于错误信息与日志
func Parse(name string, data []byte) (*File, error) {
	if !IsMagic(data) {
		return nil, formatErr("%s: bad magic", name)
	}
	if len(data) < headerSize {
		return nil, formatErr("%s: file too small (%d bytes)", name, len(data))
	}

	f := &File{Name: name, Version: string(data[4:7]), data: data}
	if err := binary.Read(bytes.NewReader(data[:headerSize]), binary.LittleEndian, &f.hdr); err != nil {
		return nil, formatErr("%s: header: %v", name, err)
	}

	switch f.hdr.EndianTag {
	case endianConstant:
	case reverseEndianConst:
		return nil, formatErr("%s: big-endian dex is not supported", name)
	default:
		return nil, formatErr("%s: bad endian tag %#x", name, f.hdr.EndianTag)
	}

	steps := []struct {
		what string
		fn   func() error
	}{
		{"string ids", f.readStrings},
		{"type ids", f.readTypes},
		{"proto ids", f.readProtos},
		{"field ids", f.readFields},
		{"method ids", f.readMethods},
		{"class defs", f.readClassDefs},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return nil, formatErr("%s: %s: %v", name, step.what, err)
		}
	}
	return f, nil
}

// Classes 文件中定义的全部类，按 class_defs 顺序
func (f *File) Classes() []*ClassDef {
	return f.classes
}

// String 按索引取字符串常量
func (f *File) String(idx uint32) (string, bool) {
	if uint64(idx) >= uint64(len(f.strings)) {
		return "", false
	}
	return f.strings[idx], true
}

// Type 按索引取类型描述符
func (f *File) Type(idx uint32) (string, bool) {
	if uint64(idx) >= uint64(len(f.types)) {
		return "", false
	}
	return f.types[idx], true
}

// Field 按索引取字段引用
func (f *File) Field(idx uint32) (FieldRef, bool) {
	if uint64(idx) >= uint64(len(f.fields)) {
		return FieldRef{}, false
	}
	return f.fields[idx], true
}

// Method 按索引取方法引用
func (f *File) Method(idx uint32) (MethodRef, bool) {
	if uint64(idx) >= uint64(len(f.methods)) {
		return MethodRef{}, false
	}
	return f.methods[idx], true
}

// section 校验 [off, off+count*size) 落在文件范围内
func (f *File) section(off, count uint32, size int) ([]byte, error) {
	end := uint64(off) + uint64(count)*uint64(size)
	if count == 0 {
		return nil, nil
	}
	if end > uint64(len(f.data)) {
		return nil, formatErr("section [%#x, %#x) out of bounds", off, end)
	}
	return f.data[off:end], nil
}

func (f *File) readStrings() error {
	sec, err := f.section(f.hdr.StringIDsOff, f.hdr.StringIDsSize, stringIDSize)
	if err != nil {
		return err
	}
	f.strings = make([]string, f.hdr.StringIDsSize)
	for i := range f.strings {
		off := binary.LittleEndian.Uint32(sec[i*stringIDSize:])
		s, err := f.readStringData(off)
		if err != nil {
			return formatErr("string %d: %v", i, err)
		}
		f.strings[i] = s
	}
	return nil
}

// readStringData 解析 string_data_item：uleb128 UTF-16 长度 + MUTF-8 字节 + 0 结尾
func (f *File) readStringData(off uint32) (string, error) {
	if uint64(off) >= uint64(len(f.data)) {
		return "", formatErr("string data offset %#x out of bounds", off)
	}
	r := &cursor{data: f.data, pos: int(off)}
	utf16Len, err := r.uleb()
	if err != nil {
		return "", err
	}
	rest := f.data[r.pos:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return "", formatErr("unterminated string at %#x", off)
	}
	return decodeMUTF8(rest[:end], int(utf16Len)), nil
}

func (f *File) readTypes() error {
	sec, err := f.section(f.hdr.TypeIDsOff, f.hdr.TypeIDsSize, typeIDSize)
	if err != nil {
		return err
	}
	f.types = make([]string, f.hdr.TypeIDsSize)
	for i := range f.types {
		idx := binary.LittleEndian.Uint32(sec[i*typeIDSize:])
		s, ok := f.String(idx)
		if !ok {
			return formatErr("type %d: string index %d out of range", i, idx)
		}
		f.types[i] = s
	}
	return nil
}

func (f *File) readProtos() error {
	sec, err := f.section(f.hdr.ProtoIDsOff, f.hdr.ProtoIDsSize, protoIDSize)
	if err != nil {
		return err
	}
	f.protos = make([]string, f.hdr.ProtoIDsSize)
	items := make([]protoIDItem, f.hdr.ProtoIDsSize)
	if len(items) > 0 {
		if err := binary.Read(bytes.NewReader(sec), binary.LittleEndian, items); err != nil {
			return err
		}
	}

	for i, item := range items {
		ret, ok := f.Type(item.ReturnTypeIdx)
		if !ok {
			return formatErr("proto %d: return type %d out of range", i, item.ReturnTypeIdx)
		}
		params, err := f.readTypeList(item.ParametersOff)
		if err != nil {
			return formatErr("proto %d: %v", i, err)
		}
		f.protos[i] = "(" + strings.Join(params, "") + ")" + ret
	}
	return nil
}

// readTypeList 解析 type_list：uint32 size + size 个 uint16 类型索引
func (f *File) readTypeList(off uint32) ([]string, error) {
	if off == 0 {
		return nil, nil
	}
	if uint64(off)+4 > uint64(len(f.data)) {
		return nil, formatErr("type list offset %#x out of bounds", off)
	}
	size := binary.LittleEndian.Uint32(f.data[off:])
	sec, err := f.section(off+4, size, 2)
	if err != nil {
		return nil, err
	}
	result := make([]string, size)
	for i := range result {
		idx := uint32(binary.LittleEndian.Uint16(sec[i*2:]))
		t, ok := f.Type(idx)
		if !ok {
			return nil, formatErr("type list entry %d out of range", idx)
		}
		result[i] = t
	}
	return result, nil
}

func (f *File) readFields() error {
	sec, err := f.section(f.hdr.FieldIDsOff, f.hdr.FieldIDsSize, fieldIDSize)
	if err != nil {
		return err
	}
	items := make([]fieldIDItem, f.hdr.FieldIDsSize)
	if len(items) > 0 {
		if err := binary.Read(bytes.NewReader(sec), binary.LittleEndian, items); err != nil {
			return err
		}
	}

	f.fields = make([]FieldRef, len(items))
	for i, item := range items {
		class, ok1 := f.Type(uint32(item.ClassIdx))
		typ, ok2 := f.Type(uint32(item.TypeIdx))
		name, ok3 := f.String(item.NameIdx)
		if !ok1 || !ok2 || !ok3 {
			return formatErr("field %d: index out of range", i)
		}
		f.fields[i] = FieldRef{DefiningClass: class, Name: name, Type: typ}
	}
	return nil
}

func (f *File) readMethods() error {
	sec, err := f.section(f.hdr.MethodIDsOff, f.hdr.MethodIDsSize, methodIDSize)
	if err != nil {
		return err
	}
	items := make([]methodIDItem, f.hdr.MethodIDsSize)
	if len(items) > 0 {
		if err := binary.Read(bytes.NewReader(sec), binary.LittleEndian, items); err != nil {
			return err
		}
	}

	f.methods = make([]MethodRef, len(items))
	for i, item := range items {
		class, ok1 := f.Type(uint32(item.ClassIdx))
		name, ok2 := f.String(item.NameIdx)
		if !ok1 || !ok2 || int(item.ProtoIdx) >= len(f.protos) {
			return formatErr("method %d: index out of range", i)
		}
		f.methods[i] = MethodRef{DefiningClass: class, Name: name, Proto: f.protos[item.ProtoIdx]}
	}
	return nil
}

func (f *File) readClassDefs() error {
	sec, err := f.section(f.hdr.ClassDefsOff, f.hdr.ClassDefsSize, classDefSize)
	if err != nil {
		return err
	}
	items := make([]classDefItem, f.hdr.ClassDefsSize)
	if len(items) > 0 {
		if err := binary.Read(bytes.NewReader(sec), binary.LittleEndian, items); err != nil {
			return err
		}
	}

	f.classes = make([]*ClassDef, 0, len(items))
	for i, item := range items {
		typ, ok := f.Type(item.ClassIdx)
		if !ok {
			return formatErr("class def %d: type index %d out of range", i, item.ClassIdx)
		}
		class := &ClassDef{
			Type:        typ,
			AccessFlags: item.AccessFlags,
			file:        f,
			def:         item,
		}
		if item.SuperclassIdx != noIndex {
			class.Superclass, _ = f.Type(item.SuperclassIdx)
		}
		f.classes = append(f.classes, class)
	}
	return nil
}
