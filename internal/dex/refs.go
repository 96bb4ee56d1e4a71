package dex

import "strings"

// Reference 指令引用的常量池条目：StringRef、FieldRef 或 MethodRef
type Reference interface {
	isReference()
}

// StringRef 字符串常量
type StringRef string

// FieldRef 字段引用，各部分均为类型描述符形式
type FieldRef struct {
	DefiningClass string
	Name          string
	Type          string
}

// MethodRef 方法引用，Proto 形如 "(Ljava/lang/String;I)V"
type MethodRef struct {
	DefiningClass string
	Name          string
	Proto         string
}

func (StringRef) isReference() {}
func (FieldRef) isReference()  {}
func (MethodRef) isReference() {}

// Descriptor 规范调用描述符 Lpkg/Cls;->name:Type
func (r FieldRef) Descriptor() string {
	return r.DefiningClass + "->" + r.Name + ":" + r.Type
}

// ClassName 声明类的点分类名
func (r FieldRef) ClassName() string {
	return ClassName(r.DefiningClass)
}

// Descriptor 规范调用描述符 Lpkg/Cls;->name(Args)Ret
func (r MethodRef) Descriptor() string {
	return r.DefiningClass + "->" + r.Name + r.Proto
}

// ClassName 声明类的点分类名
func (r MethodRef) ClassName() string {
	return ClassName(r.DefiningClass)
}

var primitiveNames = map[byte]string{
	'B': "byte",
	'C': "char",
	'D': "double",
	'F': "float",
	'I': "int",
	'J': "long",
	'S': "short",
	'Z': "boolean",
	'V': "void",
}

// ClassName 将类型描述符转换为点分类名
//
//	Lcom/example/Foo;  -> com.example.Foo
//	[[I                -> int[][]
//
// 无法识别的描述符原样返回
func ClassName(descriptor string) string {
	dims := 0
	for dims < len(descriptor) && descriptor[dims] == '[' {
		dims++
	}
	base := descriptor[dims:]

	var name string
	switch {
	case len(base) == 1:
		p, ok := primitiveNames[base[0]]
		if !ok {
			return descriptor
		}
		name = p
	case len(base) > 2 && base[0] == 'L' && base[len(base)-1] == ';':
		name = strings.ReplaceAll(base[1:len(base)-1], "/", ".")
	default:
		return descriptor
	}

	return name + strings.Repeat("[]", dims)
}

// PackageName 点分类名的包部分，默认包返回空字符串
func PackageName(className string) string {
	if i := strings.LastIndexByte(className, '.'); i > 0 {
		return className[:i]
	}
	return ""
}
