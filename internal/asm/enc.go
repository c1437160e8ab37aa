// enc.go - 指令编码表
//
// 编码按 (指令, 操作数形态) 静态查表，不做运行期推断。
// 表里缺项就是 J0401：宁可显式失败，不要猜测编码。
// 目前只有 x86-64 表；其他架构在查表入口处统一拒绝。

package asm

import (
	"github.com/tangzhangming/forge/internal/ir"
)

// opShape 归一化后的操作数形态
type opShape uint8

const (
	shapeNone opShape = iota
	shapeR            // 通用寄存器
	shapeRR           // 通用寄存器, 通用寄存器
	shapeRM           // 通用寄存器, 内存
	shapeMR           // 内存, 通用寄存器
	shapeRI           // 通用寄存器, 立即数
	shapeXX           // 向量寄存器, 向量寄存器
	shapeXM           // 向量寄存器, 内存
	shapeMX           // 内存, 向量寄存器
	shapeL            // 标签
)

func (s opShape) String() string {
	switch s {
	case shapeNone:
		return "none"
	case shapeR:
		return "r"
	case shapeRR:
		return "r,r"
	case shapeRM:
		return "r,m"
	case shapeMR:
		return "m,r"
	case shapeRI:
		return "r,imm"
	case shapeXX:
		return "x,x"
	case shapeXM:
		return "x,m"
	case shapeMX:
		return "m,x"
	case shapeL:
		return "label"
	}
	return "?"
}

// encoding 单条编码描述
//
// regOp/rmOp/immOp 是操作数下标；regOp 为 -1 时 ModRM.reg
// 字段取 ext（/digit 形式）。plusReg 表示寄存器编进操作码低三位。
type encoding struct {
	prefix66 bool
	rexW     bool
	opcode   []byte
	ext      uint8
	regOp    int8
	rmOp     int8
	immOp    int8
	immSize  uint8
	plusReg  bool
	sse2     bool
}

type encKey struct {
	inst  ir.Inst
	shape opShape
}

// x64Table x86-64 编码表
var x64Table = map[encKey]encoding{
	// mov
	{ir.InstMov, shapeRR}: {rexW: true, opcode: []byte{0x89}, regOp: 1, rmOp: 0, immOp: -1},
	{ir.InstMov, shapeRM}: {rexW: true, opcode: []byte{0x8B}, regOp: 0, rmOp: 1, immOp: -1},
	{ir.InstMov, shapeMR}: {rexW: true, opcode: []byte{0x89}, regOp: 1, rmOp: 0, immOp: -1},
	// mov r, imm 按立即数宽度在编码入口特判（C7 /0 或 B8+rd）

	// lea
	{ir.InstLea, shapeRM}: {rexW: true, opcode: []byte{0x8D}, regOp: 0, rmOp: 1, immOp: -1},

	// movups（SSE，128 位整体搬运，不要求对齐）
	{ir.InstMovups, shapeXX}: {opcode: []byte{0x0F, 0x10}, regOp: 0, rmOp: 1, immOp: -1, sse2: true},
	{ir.InstMovups, shapeXM}: {opcode: []byte{0x0F, 0x10}, regOp: 0, rmOp: 1, immOp: -1, sse2: true},
	{ir.InstMovups, shapeMX}: {opcode: []byte{0x0F, 0x11}, regOp: 1, rmOp: 0, immOp: -1, sse2: true},

	// add / sub / imul / neg
	{ir.InstAdd, shapeRR}: {rexW: true, opcode: []byte{0x01}, regOp: 1, rmOp: 0, immOp: -1},
	{ir.InstAdd, shapeRM}: {rexW: true, opcode: []byte{0x03}, regOp: 0, rmOp: 1, immOp: -1},
	{ir.InstAdd, shapeMR}: {rexW: true, opcode: []byte{0x01}, regOp: 1, rmOp: 0, immOp: -1},
	{ir.InstAdd, shapeRI}: {rexW: true, opcode: []byte{0x81}, ext: 0, regOp: -1, rmOp: 0, immOp: 1, immSize: 4},

	{ir.InstSub, shapeRR}: {rexW: true, opcode: []byte{0x29}, regOp: 1, rmOp: 0, immOp: -1},
	{ir.InstSub, shapeRM}: {rexW: true, opcode: []byte{0x2B}, regOp: 0, rmOp: 1, immOp: -1},
	{ir.InstSub, shapeMR}: {rexW: true, opcode: []byte{0x29}, regOp: 1, rmOp: 0, immOp: -1},
	{ir.InstSub, shapeRI}: {rexW: true, opcode: []byte{0x81}, ext: 5, regOp: -1, rmOp: 0, immOp: 1, immSize: 4},

	{ir.InstIMul, shapeRR}: {rexW: true, opcode: []byte{0x0F, 0xAF}, regOp: 0, rmOp: 1, immOp: -1},
	{ir.InstIMul, shapeRM}: {rexW: true, opcode: []byte{0x0F, 0xAF}, regOp: 0, rmOp: 1, immOp: -1},

	{ir.InstNeg, shapeR}: {rexW: true, opcode: []byte{0xF7}, ext: 3, regOp: -1, rmOp: 0, immOp: -1},

	// and / or / xor
	{ir.InstAnd, shapeRR}: {rexW: true, opcode: []byte{0x21}, regOp: 1, rmOp: 0, immOp: -1},
	{ir.InstAnd, shapeRM}: {rexW: true, opcode: []byte{0x23}, regOp: 0, rmOp: 1, immOp: -1},
	{ir.InstAnd, shapeRI}: {rexW: true, opcode: []byte{0x81}, ext: 4, regOp: -1, rmOp: 0, immOp: 1, immSize: 4},

	{ir.InstOr, shapeRR}: {rexW: true, opcode: []byte{0x09}, regOp: 1, rmOp: 0, immOp: -1},
	{ir.InstOr, shapeRM}: {rexW: true, opcode: []byte{0x0B}, regOp: 0, rmOp: 1, immOp: -1},
	{ir.InstOr, shapeRI}: {rexW: true, opcode: []byte{0x81}, ext: 1, regOp: -1, rmOp: 0, immOp: 1, immSize: 4},

	{ir.InstXor, shapeRR}: {rexW: true, opcode: []byte{0x31}, regOp: 1, rmOp: 0, immOp: -1},
	{ir.InstXor, shapeRM}: {rexW: true, opcode: []byte{0x33}, regOp: 0, rmOp: 1, immOp: -1},
	{ir.InstXor, shapeRI}: {rexW: true, opcode: []byte{0x81}, ext: 6, regOp: -1, rmOp: 0, immOp: 1, immSize: 4},

	// paddd（打包 32 位整数加）
	{ir.InstPaddd, shapeXX}: {prefix66: true, opcode: []byte{0x0F, 0xFE}, regOp: 0, rmOp: 1, immOp: -1, sse2: true},
	{ir.InstPaddd, shapeXM}: {prefix66: true, opcode: []byte{0x0F, 0xFE}, regOp: 0, rmOp: 1, immOp: -1, sse2: true},

	// cmp / test
	{ir.InstCmp, shapeRR}: {rexW: true, opcode: []byte{0x39}, regOp: 1, rmOp: 0, immOp: -1},
	{ir.InstCmp, shapeRM}: {rexW: true, opcode: []byte{0x3B}, regOp: 0, rmOp: 1, immOp: -1},
	{ir.InstCmp, shapeMR}: {rexW: true, opcode: []byte{0x39}, regOp: 1, rmOp: 0, immOp: -1},
	{ir.InstCmp, shapeRI}: {rexW: true, opcode: []byte{0x81}, ext: 7, regOp: -1, rmOp: 0, immOp: 1, immSize: 4},

	{ir.InstTest, shapeRR}: {rexW: true, opcode: []byte{0x85}, regOp: 1, rmOp: 0, immOp: -1},
	{ir.InstTest, shapeMR}: {rexW: true, opcode: []byte{0x85}, regOp: 1, rmOp: 0, immOp: -1},
	{ir.InstTest, shapeRI}: {rexW: true, opcode: []byte{0xF7}, ext: 0, regOp: -1, rmOp: 0, immOp: 1, immSize: 4},

	// push / pop（64 位模式下缺省 64 位宽，无需 REX.W）
	{ir.InstPush, shapeR}: {opcode: []byte{0x50}, regOp: -1, rmOp: -1, immOp: -1, plusReg: true},
	{ir.InstPop, shapeR}:  {opcode: []byte{0x58}, regOp: -1, rmOp: -1, immOp: -1, plusReg: true},

	// 控制流
	{ir.InstJmp, shapeL}:  {opcode: []byte{0xE9}, regOp: -1, rmOp: -1, immOp: -1},
	{ir.InstCall, shapeL}: {opcode: []byte{0xE8}, regOp: -1, rmOp: -1, immOp: -1},
	{ir.InstCall, shapeR}: {opcode: []byte{0xFF}, ext: 2, regOp: -1, rmOp: 0, immOp: -1},

	{ir.InstRet, shapeNone}: {opcode: []byte{0xC3}, regOp: -1, rmOp: -1, immOp: -1},
	{ir.InstNop, shapeNone}: {opcode: []byte{0x90}, regOp: -1, rmOp: -1, immOp: -1},
}
