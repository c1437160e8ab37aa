// Package arch 提供目标架构描述符
//
// 描述符是只读数据表：寄存器文件形状（各类寄存器数量、可分配子集、
// 栈/帧寄存器编号、字长）按架构 id 静态建表，消费方是寄存器分配器
// 和帧布局计算。不同架构之间没有类层次，只有数据差异。
//
// CPU 特性集在 Lookup 时注入（见 cpufeat 包），仅供指令校验读取。
package arch

import (
	"github.com/tangzhangming/forge/internal/cpufeat"
	"github.com/tangzhangming/forge/internal/errs"
)

// Arch 架构 id
type Arch uint8

const (
	X64   Arch = iota + 1 // x86-64
	ARM64                 // aarch64
)

func (a Arch) String() string {
	switch a {
	case X64:
		return "x64"
	case ARM64:
		return "arm64"
	default:
		return "unknown"
	}
}

// RegClass 寄存器类
type RegClass uint8

const (
	ClassGP  RegClass = iota // 通用寄存器
	ClassVec                 // 向量寄存器
	NumClasses
)

func (c RegClass) String() string {
	switch c {
	case ClassGP:
		return "gp"
	case ClassVec:
		return "vec"
	default:
		return "unknown"
	}
}

// ============================================================================
// x86-64 寄存器编号
// ============================================================================

// 通用寄存器编号（ModR/M 编码序）
const (
	RAX uint8 = 0
	RCX uint8 = 1
	RDX uint8 = 2
	RBX uint8 = 3
	RSP uint8 = 4
	RBP uint8 = 5
	RSI uint8 = 6
	RDI uint8 = 7
	R8  uint8 = 8
	R9  uint8 = 9
	R10 uint8 = 10
	R11 uint8 = 11
	R12 uint8 = 12
	R13 uint8 = 13
	R14 uint8 = 14
	R15 uint8 = 15
)

// 向量寄存器编号（类内编号，XMM0-XMM15）
const (
	XMM0  uint8 = 0
	XMM1  uint8 = 1
	XMM2  uint8 = 2
	XMM3  uint8 = 3
	XMM4  uint8 = 4
	XMM5  uint8 = 5
	XMM6  uint8 = 6
	XMM7  uint8 = 7
	XMM8  uint8 = 8
	XMM9  uint8 = 9
	XMM10 uint8 = 10
	XMM11 uint8 = 11
	XMM12 uint8 = 12
	XMM13 uint8 = 13
	XMM14 uint8 = 14
	XMM15 uint8 = 15
)

var gpNames = []string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// RegName 返回寄存器名称（用于日志与调试输出）
func RegName(a Arch, class RegClass, id uint8) string {
	if a == X64 {
		switch class {
		case ClassGP:
			if int(id) < len(gpNames) {
				return gpNames[id]
			}
		case ClassVec:
			if id < 16 {
				return xmmName(id)
			}
		}
	}
	return "?"
}

func xmmName(id uint8) string {
	if id < 10 {
		return "xmm" + string(rune('0'+id))
	}
	return "xmm1" + string(rune('0'+id-10))
}

// ============================================================================
// 架构描述符
// ============================================================================

// Info 架构描述符
//
// 只读；由 Lookup 返回表中条目的副本（Features 字段注入后不再变化）。
type Info struct {
	Arch     Arch
	WordSize int // 字长（字节）

	StackReg uint8 // 栈指针寄存器
	FrameReg uint8 // 帧指针寄存器

	// RegCount 各类物理寄存器总数
	RegCount [NumClasses]int

	// Allocatable 各类可分配寄存器（按分配优先序）
	// 不含栈/帧寄存器，也不含保留的溢出暂存寄存器
	Allocatable [NumClasses][]uint8

	// Scratch 各类保留的溢出暂存寄存器
	// 分配器用它访问溢出到栈的值，不进入自由池
	Scratch [NumClasses]uint8

	// Features 注入的 CPU 特性集（仅指令校验使用）
	Features cpufeat.Features
}

// AllocatableCount 返回某类的可分配寄存器数量
// 这是"容量"属性的基准：活跃数不超过它就不会产生溢出
func (info *Info) AllocatableCount(c RegClass) int {
	return len(info.Allocatable[c])
}

// x64Info x86-64 描述符
var x64Info = Info{
	Arch:     X64,
	WordSize: 8,
	StackReg: RSP,
	FrameReg: RBP,
	RegCount: [NumClasses]int{16, 16},
	Allocatable: [NumClasses][]uint8{
		// RSP/RBP 承担栈与帧，R11 保留为 GP 暂存
		{RAX, RCX, RDX, RBX, RSI, RDI, R8, R9, R10, R12, R13, R14, R15},
		// XMM15 保留为向量暂存
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14},
	},
	Scratch: [NumClasses]uint8{R11, XMM15},
}

// arm64Info aarch64 描述符
// 形状信息供分配器与帧布局使用；编码表在本仓库之外（生成数据）
var arm64Info = Info{
	Arch:     ARM64,
	WordSize: 8,
	StackReg: 31, // sp
	FrameReg: 29, // x29
	RegCount: [NumClasses]int{32, 32},
	Allocatable: [NumClasses][]uint8{
		// x0-x15, x19-x26（x16/x17 平台暂存，x18 平台保留，x27 溢出暂存，x28 保留）
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15,
			19, 20, 21, 22, 23, 24, 25, 26},
		// v0-v30，v31 溢出暂存
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15,
			16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30},
	},
	Scratch: [NumClasses]uint8{27, 31},
}

// Lookup 查询架构描述符并注入特性集
//
// 未知架构返回 ConfigurationError (J0100)。
func Lookup(a Arch, feats cpufeat.Features) (*Info, error) {
	var info Info
	switch a {
	case X64:
		info = x64Info
	case ARM64:
		info = arm64Info
	default:
		return nil, errs.Configf(errs.J0100, "unsupported architecture: %d", a)
	}
	info.Features = feats
	return &info, nil
}
