package traversal

import "github.com/apk-analysis/apk-static-go/internal/dex"

// Visitor 遍历访问者，实现下列任意能力接口的组合
type Visitor interface{}

// ClassVisitor 访问类
type ClassVisitor interface {
	VisitClass(class *dex.ClassDef) error
}

// FieldVisitor 访问字段，先静态字段后实例字段
type FieldVisitor interface {
	VisitField(class *dex.ClassDef, field *dex.Field, isStatic bool) error
}

// MethodVisitor 访问方法，先 virtual 后 direct
type MethodVisitor interface {
	VisitMethod(class *dex.ClassDef, method *dex.Method, isVirtual bool) error
}

// InstructionVisitor 按程序顺序访问方法中的指令
type InstructionVisitor interface {
	VisitInstruction(class *dex.ClassDef, method *dex.Method, isVirtual bool, insn dex.Instruction) error
}

// ClassFilter 返回 false 时该访问者跳过整个类，未实现时视为通过
type ClassFilter interface {
	FilterClass(class *dex.ClassDef) bool
}

// MethodFilter 返回 false 时该访问者跳过方法的指令，方法回调不受影响
type MethodFilter interface {
	FilterMethod(class *dex.ClassDef, method *dex.Method, isVirtual bool) bool
}

// capabilities 访问者能力的一次性类型断言结果
type capabilities struct {
	visitor      Visitor
	class        ClassVisitor
	field        FieldVisitor
	method       MethodVisitor
	instruction  InstructionVisitor
	classFilter  ClassFilter
	methodFilter MethodFilter
}

func inspect(v Visitor) capabilities {
	c := capabilities{visitor: v}
	c.class, _ = v.(ClassVisitor)
	c.field, _ = v.(FieldVisitor)
	c.method, _ = v.(MethodVisitor)
	c.instruction, _ = v.(InstructionVisitor)
	c.classFilter, _ = v.(ClassFilter)
	c.methodFilter, _ = v.(MethodFilter)
	return c
}

func (c capabilities) visitsMembers() bool {
	return c.field != nil || c.method != nil || c.instruction != nil
}
