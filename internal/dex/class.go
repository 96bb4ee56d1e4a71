package dex

import (
	"sync"
)

// 访问标志
const (
	AccPublic    = 0x1
	AccPrivate   = 0x2
	AccProtected = 0x4
	AccStatic    = 0x8
	AccFinal     = 0x10
	AccInterface = 0x200
	AccAbstract  = 0x400
	AccNative    = 0x100
)

// ClassDef 类定义
// 成员（字段、方法、静态初值）在首次调用 Members 时解析
type ClassDef struct {
	Type        string
	AccessFlags uint32
	Superclass  string

	file *File
	def  classDefItem

	once    sync.Once
	members *Members
	err     error
}

// Members 类的字段与方法，按 class_data 中的顺序
type Members struct {
	StaticFields   []*Field
	InstanceFields []*Field
	DirectMethods  []*Method
	VirtualMethods []*Method
}

// Field 类中定义的字段
type Field struct {
	Ref         FieldRef
	AccessFlags uint32

	initial *string
}

// InitialValue 静态字段的字符串初值
func (f *Field) InitialValue() (string, bool) {
	if f.initial == nil {
		return "", false
	}
	return *f.initial, true
}

// Method 类中定义的方法
type Method struct {
	Ref         MethodRef
	AccessFlags uint32

	codeOff uint32
	file    *File
}

// HasCode 方法是否有字节码（abstract / native 方法没有）
func (m *Method) HasCode() bool {
	return m.codeOff != 0
}

// File 类所在的 DEX 文件
func (c *ClassDef) File() *File {
	return c.file
}

// Name 点分类名
func (c *ClassDef) Name() string {
	return ClassName(c.Type)
}

// Package 所在包名
func (c *ClassDef) Package() string {
	return PackageName(c.Name())
}

// Members 解析并缓存类成员，结果对并发调用者一致
func (c *ClassDef) Members() (*Members, error) {
	c.once.Do(func() {
		c.members, c.err = c.readMembers()
		if c.err != nil {
			c.err = formatErr("%s: class %s: %v", c.file.Name, c.Type, c.err)
		}
	})
	return c.members, c.err
}

func (c *ClassDef) readMembers() (*Members, error) {
	if c.def.ClassDataOff == 0 {
		return &Members{}, nil
	}
	if uint64(c.def.ClassDataOff) >= uint64(len(c.file.data)) {
		return nil, formatErr("class data offset %#x out of bounds", c.def.ClassDataOff)
	}

	r := &cursor{data: c.file.data, pos: int(c.def.ClassDataOff)}
	var counts [4]uint32
	for i := range counts {
		n, err := r.uleb()
		if err != nil {
			return nil, err
		}
		// 每个条目至少占 2 字节，计数超过剩余长度说明数据损坏
		if int64(n) > int64(r.remaining()) {
			return nil, formatErr("member count %d exceeds remaining data", n)
		}
		counts[i] = n
	}
	staticFields, instanceFields, directMethods, virtualMethods := counts[0], counts[1], counts[2], counts[3]

	statics, err := c.readFields(r, staticFields)
	if err != nil {
		return nil, err
	}
	instances, err := c.readFields(r, instanceFields)
	if err != nil {
		return nil, err
	}
	direct, err := c.readMethods(r, directMethods)
	if err != nil {
		return nil, err
	}
	virtual, err := c.readMethods(r, virtualMethods)
	if err != nil {
		return nil, err
	}

	if err := c.applyStaticValues(statics); err != nil {
		return nil, err
	}

	return &Members{
		StaticFields:   statics,
		InstanceFields: instances,
		DirectMethods:  direct,
		VirtualMethods: virtual,
	}, nil
}

// readFields 字段索引为差分编码，每个列表从 0 重新开始
func (c *ClassDef) readFields(r *cursor, count uint32) ([]*Field, error) {
	fields := make([]*Field, 0, count)
	var idx uint32
	for i := uint32(0); i < count; i++ {
		diff, err := r.uleb()
		if err != nil {
			return nil, err
		}
		flags, err := r.uleb()
		if err != nil {
			return nil, err
		}
		idx += diff
		ref, ok := c.file.Field(idx)
		if !ok {
			return nil, formatErr("field index %d out of range", idx)
		}
		fields = append(fields, &Field{Ref: ref, AccessFlags: flags})
	}
	return fields, nil
}

func (c *ClassDef) readMethods(r *cursor, count uint32) ([]*Method, error) {
	methods := make([]*Method, 0, count)
	var idx uint32
	for i := uint32(0); i < count; i++ {
		diff, err := r.uleb()
		if err != nil {
			return nil, err
		}
		flags, err := r.uleb()
		if err != nil {
			return nil, err
		}
		codeOff, err := r.uleb()
		if err != nil {
			return nil, err
		}
		idx += diff
		ref, ok := c.file.Method(idx)
		if !ok {
			return nil, formatErr("method index %d out of range", idx)
		}
		methods = append(methods, &Method{Ref: ref, AccessFlags: flags, codeOff: codeOff, file: c.file})
	}
	return methods, nil
}

// 编码值类型
const (
	valueByte         = 0x00
	valueString       = 0x17
	valueArray        = 0x1c
	valueAnnotation   = 0x1d
	valueNull         = 0x1e
	valueBoolean      = 0x1f
	maxValueNestDepth = 32
)

// applyStaticValues 解析 encoded_array，按顺序为静态字段赋字符串初值
func (c *ClassDef) applyStaticValues(statics []*Field) error {
	off := c.def.StaticValuesOff
	if off == 0 || len(statics) == 0 {
		return nil
	}
	if uint64(off) >= uint64(len(c.file.data)) {
		return formatErr("static values offset %#x out of bounds", off)
	}

	r := &cursor{data: c.file.data, pos: int(off)}
	size, err := r.uleb()
	if err != nil {
		return err
	}
	for i := uint32(0); i < size; i++ {
		s, isString, err := c.readValue(r, 0)
		if err != nil {
			return err
		}
		if isString && int(i) < len(statics) {
			value := s
			statics[i].initial = &value
		}
	}
	return nil
}

// readValue 读取一个 encoded_value，仅保留字符串，其余类型跳过
func (c *ClassDef) readValue(r *cursor, depth int) (string, bool, error) {
	if depth > maxValueNestDepth {
		return "", false, formatErr("encoded value nested too deep")
	}
	head, err := r.byte()
	if err != nil {
		return "", false, err
	}
	typ, arg := head&0x1f, int(head>>5)

	switch typ {
	case valueString:
		b, err := r.bytes(arg + 1)
		if err != nil {
			return "", false, err
		}
		var idx uint32
		for i, v := range b {
			idx |= uint32(v) << (8 * i)
		}
		s, ok := c.file.String(idx)
		if !ok {
			return "", false, formatErr("string index %d out of range", idx)
		}
		return s, true, nil
	case valueByte, 0x02, 0x03, 0x04, 0x06, 0x10, 0x11, 0x15, 0x16, 0x18, 0x19, 0x1a, 0x1b:
		return "", false, r.skip(arg + 1)
	case valueArray:
		n, err := r.uleb()
		if err != nil {
			return "", false, err
		}
		for i := uint32(0); i < n; i++ {
			if _, _, err := c.readValue(r, depth+1); err != nil {
				return "", false, err
			}
		}
		return "", false, nil
	case valueAnnotation:
		if _, err := r.uleb(); err != nil {
			return "", false, err
		}
		n, err := r.uleb()
		if err != nil {
			return "", false, err
		}
		for i := uint32(0); i < n; i++ {
			if _, err := r.uleb(); err != nil {
				return "", false, err
			}
			if _, _, err := c.readValue(r, depth+1); err != nil {
				return "", false, err
			}
		}
		return "", false, nil
	case valueNull, valueBoolean:
		return "", false, nil
	default:
		return "", false, formatErr("unknown encoded value type %#x", typ)
	}
}
