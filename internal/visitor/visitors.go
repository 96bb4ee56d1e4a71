package visitor

import (
	"sort"

	"github.com/apk-analysis/apk-static-go/internal/dex"
	"github.com/apk-analysis/apk-static-go/internal/filter"
)

// PackageVisitor 收集所有类的包名
type PackageVisitor struct {
	packages *Set[string]
}

// NewPackageVisitor 创建包名访问者
func NewPackageVisitor() *PackageVisitor {
	return &PackageVisitor{packages: NewSet[string]()}
}

// VisitClass 记录非默认包的包名
func (v *PackageVisitor) VisitClass(class *dex.ClassDef) error {
	if pkg := class.Package(); pkg != "" {
		v.packages.Add(pkg)
	}
	return nil
}

// Packages 已收集的包名，已排序
func (v *PackageVisitor) Packages() []string {
	pkgs := v.packages.Items()
	sort.Strings(pkgs)
	return pkgs
}

// StringVisitor 收集字符串常量：静态字段初值与 const-string 字面量
// 位于排除包中的类整体跳过
type StringVisitor struct {
	filter  *filter.AnalysisFilter
	strings *Set[string]
}

// NewStringVisitor 创建字符串访问者
func NewStringVisitor(f *filter.AnalysisFilter) *StringVisitor {
	return &StringVisitor{filter: f, strings: NewSet[string]()}
}

// FilterClass 跳过排除包
func (v *StringVisitor) FilterClass(class *dex.ClassDef) bool {
	return !v.filter.IsExcludePackage(class.Name())
}

// VisitField 记录字符串类型的初值
func (v *StringVisitor) VisitField(class *dex.ClassDef, field *dex.Field, isStatic bool) error {
	if s, ok := field.InitialValue(); ok {
		v.strings.Add(s)
	}
	return nil
}

// VisitInstruction 记录 const-string 字面量
func (v *StringVisitor) VisitInstruction(class *dex.ClassDef, method *dex.Method, isVirtual bool, insn dex.Instruction) error {
	if !insn.Opcode.IsConstString() {
		return nil
	}
	if s, ok := insn.Reference.(dex.StringRef); ok {
		v.strings.Add(string(s))
	}
	return nil
}

// Strings 已收集的字符串，已排序
func (v *StringVisitor) Strings() []string {
	items := v.strings.Items()
	sort.Strings(items)
	return items
}

// APICalls 应用代码对系统 API 的字段访问与方法调用
type APICalls struct {
	Fields  []dex.FieldRef
	Methods []dex.MethodRef
}

// APICallVisitor 收集对 Android API 包的字段访问与方法调用
// 调用方所在类位于排除包时，不检查其方法体
type APICallVisitor struct {
	filter  *filter.AnalysisFilter
	fields  *Set[dex.FieldRef]
	methods *Set[dex.MethodRef]
}

// NewAPICallVisitor 创建 API 调用访问者
func NewAPICallVisitor(f *filter.AnalysisFilter) *APICallVisitor {
	return &APICallVisitor{
		filter:  f,
		fields:  NewSet[dex.FieldRef](),
		methods: NewSet[dex.MethodRef](),
	}
}

// FilterMethod 跳过排除包中的方法
func (v *APICallVisitor) FilterMethod(class *dex.ClassDef, method *dex.Method, isVirtual bool) bool {
	return !v.filter.IsExcludePackage(class.Name())
}

// VisitInstruction 按操作码分类记录引用
func (v *APICallVisitor) VisitInstruction(class *dex.ClassDef, method *dex.Method, isVirtual bool, insn dex.Instruction) error {
	switch {
	case insn.Opcode.IsFieldAccess():
		if ref, ok := insn.Reference.(dex.FieldRef); ok && v.filter.IsAndroidAPIPackage(ref.ClassName()) {
			v.fields.Add(ref)
		}
	case insn.Opcode.IsInvoke():
		if ref, ok := insn.Reference.(dex.MethodRef); ok && v.filter.IsAndroidAPIPackage(ref.ClassName()) {
			v.methods.Add(ref)
		}
	}
	return nil
}

// Calls 已收集的调用，按描述符排序
func (v *APICallVisitor) Calls() APICalls {
	fields := v.fields.Items()
	sort.Slice(fields, func(i, j int) bool { return fields[i].Descriptor() < fields[j].Descriptor() })
	methods := v.methods.Items()
	sort.Slice(methods, func(i, j int) bool { return methods[i].Descriptor() < methods[j].Descriptor() })
	return APICalls{Fields: fields, Methods: methods}
}
