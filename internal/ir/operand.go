// operand.go - 指令操作数
//
// 操作数是纯值类型，不含 Go 指针，可以安全地存放在 Zone 里。
// 跨组件引用一律走 id：虚拟寄存器用 VirtID，标签用 code.LabelID。

package ir

import (
	"github.com/tangzhangming/forge/internal/arch"
	"github.com/tangzhangming/forge/internal/code"
)

// VirtID 虚拟寄存器 id，0 无效
type VirtID uint32

// VirtReg 虚拟寄存器：物理指派前的值占位符
type VirtReg struct {
	ID    VirtID
	Class arch.RegClass
	Width uint8 // 字节宽度（8 = 通用，16 = 128 位向量）
}

// OpKind 操作数类型
type OpKind uint8

const (
	OpNone  OpKind = iota
	OpVirt         // 虚拟寄存器
	OpPhys         // 物理寄存器
	OpMem          // 内存 [base + disp]
	OpImm          // 立即数
	OpLabel        // 标签引用
)

// OpFlags 操作数角色标志
type OpFlags uint8

const (
	FlagUse    OpFlags = 1 << iota // 该操作数被读取
	FlagDef                        // 该操作数被写入
	FlagPinned                     // 虚拟寄存器被钉在指定物理寄存器上
)

// Operand 指令操作数槽
type Operand struct {
	Kind  OpKind
	Flags OpFlags
	Class arch.RegClass

	Reg  uint8  // OpPhys 的物理编号；FlagPinned 时为钉住的物理编号
	Virt VirtID // OpVirt 的虚拟寄存器 id

	Imm   int64        // OpImm
	Label code.LabelID // OpLabel

	// 内存操作数：基址 + 位移
	Base     uint8  // 物理基址（BaseVirt == 0 时生效）
	BaseVirt VirtID // 虚拟基址（分配后重写为物理）
	Disp     int32
}

// IsUse 操作数是否被读取
func (o *Operand) IsUse() bool { return o.Flags&FlagUse != 0 }

// IsDef 操作数是否被写入
func (o *Operand) IsDef() bool { return o.Flags&FlagDef != 0 }

// IsPinned 是否钉在固定物理寄存器上
func (o *Operand) IsPinned() bool { return o.Kind == OpVirt && o.Flags&FlagPinned != 0 }

// ============================================================================
// 构造函数
// ============================================================================

// Use 读取虚拟寄存器
func Use(v VirtID) Operand { return Operand{Kind: OpVirt, Virt: v, Flags: FlagUse} }

// Def 写入虚拟寄存器
func Def(v VirtID) Operand { return Operand{Kind: OpVirt, Virt: v, Flags: FlagDef} }

// UseDef 读改写虚拟寄存器（如二元算术的目的操作数）
func UseDef(v VirtID) Operand {
	return Operand{Kind: OpVirt, Virt: v, Flags: FlagUse | FlagDef}
}

// Pinned 把虚拟寄存器钉在物理寄存器 reg 上
func Pinned(v VirtID, reg uint8, flags OpFlags) Operand {
	return Operand{Kind: OpVirt, Virt: v, Reg: reg, Flags: flags | FlagPinned}
}

// Phys 物理寄存器操作数
func Phys(class arch.RegClass, reg uint8, flags OpFlags) Operand {
	return Operand{Kind: OpPhys, Class: class, Reg: reg, Flags: flags}
}

// Imm 立即数
func Imm(v int64) Operand { return Operand{Kind: OpImm, Imm: v, Flags: FlagUse} }

// Mem 以物理寄存器为基址的内存操作数
func Mem(base uint8, disp int32, flags OpFlags) Operand {
	return Operand{Kind: OpMem, Base: base, Disp: disp, Flags: flags}
}

// MemVirt 以虚拟寄存器为基址的内存操作数
// 基址寄存器本身始终是读取角色；flags 描述内存位置的角色
func MemVirt(base VirtID, disp int32, flags OpFlags) Operand {
	return Operand{Kind: OpMem, BaseVirt: base, Disp: disp, Flags: flags}
}

// LabelRef 标签引用（跳转目标等）
func LabelRef(id code.LabelID) Operand {
	return Operand{Kind: OpLabel, Label: id, Flags: FlagUse}
}
