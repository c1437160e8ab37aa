// callconv.go - 调用约定描述符
//
// 按 ABI 枚举参数/返回寄存器顺序、调用者/被调用者保存集、
// 栈对齐与红区大小。消费方是帧布局计算与固定寄存器预指派。
//
// 支持 System V AMD64 (Linux/macOS) 与 Windows x64 两种主流约定。

package arch

import (
	"runtime"

	"github.com/tangzhangming/forge/internal/errs"
)

// CallConvKind 调用约定类型
type CallConvKind uint8

const (
	CallConvNone    CallConvKind = iota
	CallConvSystemV              // System V AMD64
	CallConvWin64                // Windows x64
)

func (k CallConvKind) String() string {
	switch k {
	case CallConvSystemV:
		return "systemv"
	case CallConvWin64:
		return "win64"
	default:
		return "none"
	}
}

// CallConv 调用约定详细信息
type CallConv struct {
	Kind CallConvKind

	ArgRegs    []uint8 // 通用参数寄存器（按顺序）
	VecArgRegs []uint8 // 向量参数寄存器（按顺序）
	RetReg     uint8   // 通用返回值寄存器
	VecRetReg  uint8   // 向量返回值寄存器

	CallerSaved []uint8 // 调用者保存的通用寄存器
	CalleeSaved []uint8 // 被调用者保存的通用寄存器

	// CalleeSavedVec 被调用者保存的向量寄存器。
	// 帧合成只保存通用寄存器，分配器对这些向量寄存器的处理是
	// 直接不分配（见 regalloc 扫描阶段）
	CalleeSavedVec []uint8

	ShadowSpace int // 阴影空间大小（字节）
	StackAlign  int // 栈对齐要求（字节）
	RedZone     int // 红区大小（字节）
}

// SystemV System V AMD64 调用约定
var SystemV = CallConv{
	Kind:        CallConvSystemV,
	ArgRegs:     []uint8{RDI, RSI, RDX, RCX, R8, R9},
	VecArgRegs:  []uint8{XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7},
	RetReg:      RAX,
	VecRetReg:   XMM0,
	CallerSaved: []uint8{RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11},
	CalleeSaved: []uint8{RBX, R12, R13, R14, R15},
	ShadowSpace: 0,
	StackAlign:  16,
	RedZone:     128,
}

// Win64 Windows x64 调用约定
var Win64 = CallConv{
	Kind:        CallConvWin64,
	ArgRegs:     []uint8{RCX, RDX, R8, R9},
	VecArgRegs:  []uint8{XMM0, XMM1, XMM2, XMM3},
	RetReg:      RAX,
	VecRetReg:   XMM0,
	CallerSaved: []uint8{RAX, RCX, RDX, R8, R9, R10, R11},
	CalleeSaved: []uint8{RBX, RSI, RDI, R12, R13, R14, R15},
	CalleeSavedVec: []uint8{XMM6, XMM7, XMM8, XMM9, XMM10,
		XMM11, XMM12, XMM13, XMM14, XMM15},
	ShadowSpace: 32,
	StackAlign:  16,
	RedZone:     0,
}

// Native 返回当前平台的原生调用约定
func Native() CallConv {
	if runtime.GOOS == "windows" {
		return Win64
	}
	return SystemV
}

// ByKind 按类型查询调用约定
func ByKind(k CallConvKind) (CallConv, error) {
	switch k {
	case CallConvSystemV:
		return SystemV, nil
	case CallConvWin64:
		return Win64, nil
	default:
		return CallConv{}, errs.Configf(errs.J0100, "unknown calling convention: %d", k)
	}
}

// IsCalleeSaved 检查通用寄存器是否是被调用者保存的
func (cc *CallConv) IsCalleeSaved(reg uint8) bool {
	for _, r := range cc.CalleeSaved {
		if r == reg {
			return true
		}
	}
	return false
}

// IsCalleeSavedVec 检查向量寄存器是否是被调用者保存的
func (cc *CallConv) IsCalleeSavedVec(reg uint8) bool {
	for _, r := range cc.CalleeSavedVec {
		if r == reg {
			return true
		}
	}
	return false
}

// ArgReg 获取第 index 个指定类别的参数寄存器
func (cc *CallConv) ArgReg(class RegClass, index int) (uint8, bool) {
	regs := cc.ArgRegs
	if class == ClassVec {
		regs = cc.VecArgRegs
	}
	if index >= 0 && index < len(regs) {
		return regs[index], true
	}
	return 0, false
}
