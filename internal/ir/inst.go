// inst.go - 指令操作码
//
// 操作码是架构无关的薄抽象：它标识语义，编码由 asm 包的
// 静态表按 (架构, 操作码, 操作数形状) 决定。

package ir

// Inst 指令操作码
type Inst uint16

const (
	InstNone Inst = iota

	// 数据移动
	InstMov    // 通用寄存器/内存/立即数移动
	InstLea    // 地址计算
	InstMovups // 128 位向量非对齐移动

	// 算术
	InstAdd
	InstSub
	InstIMul
	InstNeg

	// 位运算
	InstAnd
	InstOr
	InstXor

	// 向量算术
	InstPaddd // 打包 32 位整数加

	// 比较
	InstCmp
	InstTest

	// 栈
	InstPush
	InstPop

	// 控制流
	InstJmp
	InstCall
	InstRet

	// 填充
	InstNop
)

var instNames = [...]string{
	InstNone:   "none",
	InstMov:    "mov",
	InstLea:    "lea",
	InstMovups: "movups",
	InstAdd:    "add",
	InstSub:    "sub",
	InstIMul:   "imul",
	InstNeg:    "neg",
	InstAnd:    "and",
	InstOr:     "or",
	InstXor:    "xor",
	InstPaddd:  "paddd",
	InstCmp:    "cmp",
	InstTest:   "test",
	InstPush:   "push",
	InstPop:    "pop",
	InstJmp:    "jmp",
	InstCall:   "call",
	InstRet:    "ret",
	InstNop:    "nop",
}

func (i Inst) String() string {
	if int(i) < len(instNames) {
		return instNames[i]
	}
	return "inst?"
}

// IsBranch 是否是分支指令
// 分支触发保守活跃性规则（见 regalloc）
func (i Inst) IsBranch() bool {
	return i == InstJmp
}
