// x64.go - x86-64 机器码生成
//
// REX 前缀、ModRM/SIB、位移与立即数的底层拼装。
// 寻址只支持 [base+disp]，没有比例变址：上层从不生成那种内存形态。
//
// 两个绕不开的特例：
//   - RSP/R12 作基址必须带 SIB 字节
//   - RBP/R13 作基址没有 mod=00 形式，disp 为零也要 disp8

package asm

import (
	"github.com/tangzhangming/forge/internal/arch"
	"github.com/tangzhangming/forge/internal/code"
	"github.com/tangzhangming/forge/internal/errs"
	"github.com/tangzhangming/forge/internal/ir"
)

const (
	rexBase = 0x40
	rexW    = 0x08 // 64 位操作数
	rexR    = 0x04 // ModRM.reg 扩展位
	rexX    = 0x02 // SIB.index 扩展位
	rexB    = 0x01 // ModRM.rm / SIB.base / opcode 寄存器扩展位
)

func modRM(mod, reg, rm byte) byte { return mod<<6 | reg<<3 | rm }

// classify 归一化指令的操作数形态
func classify(n *ir.Node) (opShape, error) {
	ops := n.Operands()
	kind := func(i int) (byte, error) {
		op := ops[i]
		switch op.Kind {
		case ir.OpPhys:
			if op.Class == arch.ClassGP {
				return 'r', nil
			}
			return 'x', nil
		case ir.OpMem:
			if op.BaseVirt != 0 {
				return 0, errs.Allocf(errs.J0303,
					"%s: memory base still virtual (vreg %d)", n.Inst, op.BaseVirt)
			}
			return 'm', nil
		case ir.OpImm:
			return 'i', nil
		case ir.OpLabel:
			return 'l', nil
		case ir.OpVirt:
			return 0, errs.Allocf(errs.J0303,
				"%s: operand still virtual (vreg %d)", n.Inst, op.Virt)
		}
		return 0, errs.Encodef(errs.J0400, "%s: operand %d has no kind", n.Inst, i)
	}

	switch len(ops) {
	case 0:
		return shapeNone, nil
	case 1:
		k, err := kind(0)
		if err != nil {
			return 0, err
		}
		switch k {
		case 'r':
			return shapeR, nil
		case 'l':
			return shapeL, nil
		}
	case 2:
		k0, err := kind(0)
		if err != nil {
			return 0, err
		}
		k1, err := kind(1)
		if err != nil {
			return 0, err
		}
		switch {
		case k0 == 'r' && k1 == 'r':
			return shapeRR, nil
		case k0 == 'r' && k1 == 'm':
			return shapeRM, nil
		case k0 == 'm' && k1 == 'r':
			return shapeMR, nil
		case k0 == 'r' && k1 == 'i':
			return shapeRI, nil
		case k0 == 'x' && k1 == 'x':
			return shapeXX, nil
		case k0 == 'x' && k1 == 'm':
			return shapeXM, nil
		case k0 == 'm' && k1 == 'x':
			return shapeMX, nil
		}
	}
	return 0, errs.Encodef(errs.J0400, "%s: unsupported operand combination", n.Inst)
}

// encodeX64 把一条物理指令编进段
func (a *Assembler) encodeX64(n *ir.Node) error {
	shape, err := classify(n)
	if err != nil {
		return err
	}

	// mov r, imm 的宽度特判：装得进 32 位走 C7 /0（符号扩展），
	// 否则 B8+rd 装完整 64 位
	if n.Inst == ir.InstMov && shape == shapeRI {
		return a.encodeMovRI(n)
	}

	e, ok := x64Table[encKey{n.Inst, shape}]
	if !ok {
		return errs.Encodef(errs.J0401, "%s %s: no encoding on %s",
			n.Inst, shape, a.h.Arch().Arch)
	}
	if e.sse2 && !a.h.Arch().Features.SSE2 {
		return errs.Encodef(errs.J0401, "%s requires SSE2 which the target lacks", n.Inst)
	}

	if shape == shapeL {
		return a.encodeLabelRef(n, e)
	}

	// 立即数范围先验证，失败时不留半截字节
	if e.immOp >= 0 {
		imm := n.Ops[e.immOp].Imm
		switch e.immSize {
		case 1:
			if imm < -128 || imm > 127 {
				return errs.Encodef(errs.J0402, "%s: immediate %d exceeds 8 bits", n.Inst, imm)
			}
		case 4:
			if imm < -1<<31 || imm > 1<<31-1 {
				return errs.Encodef(errs.J0402, "%s: immediate %d exceeds 32 bits", n.Inst, imm)
			}
		}
	}
	if e.plusReg {
		reg := n.Ops[0].Reg
		if reg >= 8 {
			a.sec.Append(rexBase | rexB)
		}
		a.sec.Append(e.opcode[0] + reg&7)
		return nil
	}

	rex := byte(rexBase)
	if e.rexW {
		rex |= rexW
	}

	var regField byte
	if e.regOp >= 0 {
		r := n.Ops[e.regOp].Reg
		if r >= 8 {
			rex |= rexR
		}
		regField = r & 7
	} else {
		regField = e.ext
	}

	// rm 侧决定 REX.B，与前缀一起先算好再发射
	var emitRM func()
	if e.rmOp >= 0 {
		op := n.Ops[e.rmOp]
		switch op.Kind {
		case ir.OpMem:
			if op.Base >= 8 {
				rex |= rexB
			}
			base, disp := op.Base, op.Disp
			emitRM = func() { a.emitMemOperand(regField, base, disp) }
		default:
			r := op.Reg
			if r >= 8 {
				rex |= rexB
			}
			rm := r & 7
			emitRM = func() { a.sec.Append(modRM(3, regField, rm)) }
		}
	}

	if e.prefix66 {
		a.sec.Append(0x66)
	}
	if rex != rexBase {
		a.sec.Append(rex)
	}
	a.sec.Append(e.opcode...)
	if emitRM != nil {
		emitRM()
	}

	if e.immOp >= 0 {
		imm := n.Ops[e.immOp].Imm
		switch e.immSize {
		case 1:
			a.sec.Append(byte(imm))
		case 4:
			a.appendImm32(int32(imm))
		}
	}
	return nil
}

// encodeMovRI mov r64, imm
func (a *Assembler) encodeMovRI(n *ir.Node) error {
	reg, imm := n.Ops[0].Reg, n.Ops[1].Imm

	if imm >= -1<<31 && imm <= 1<<31-1 {
		rex := byte(rexBase | rexW)
		if reg >= 8 {
			rex |= rexB
		}
		a.sec.Append(rex, 0xC7, modRM(3, 0, reg&7))
		a.appendImm32(int32(imm))
		return nil
	}
	// movabs
	rex := byte(rexBase | rexW)
	if reg >= 8 {
		rex |= rexB
	}
	a.sec.Append(rex, 0xB8+reg&7)
	a.appendImm64(imm)
	return nil
}

// encodeLabelRef 发射控制流转移并登记 rel32 重定位
func (a *Assembler) encodeLabelRef(n *ir.Node, e encoding) error {
	a.sec.Append(e.opcode...)
	off := a.sec.Len()
	a.sec.Append(0, 0, 0, 0) // 占位，重定位阶段回填
	return a.h.AddRelocation(code.Relocation{
		Kind:    code.RelRel32,
		Section: a.sec.ID(),
		Offset:  off,
		Label:   n.Ops[0].Label,
	})
}

// emitMemOperand 发射 [base+disp] 的 ModRM/SIB/位移
func (a *Assembler) emitMemOperand(regField, base byte, disp int32) {
	rm := base & 7
	var mod byte
	switch {
	case disp == 0 && rm != 5:
		mod = 0
	case disp >= -128 && disp <= 127:
		mod = 1
	default:
		mod = 2
	}
	a.sec.Append(modRM(mod, regField, rm))
	if rm == 4 {
		a.sec.Append(0x24) // SIB: scale=1, index=none, base=rsp/r12
	}
	switch mod {
	case 1:
		a.sec.Append(byte(disp))
	case 2:
		a.appendImm32(disp)
	}
}

func (a *Assembler) appendImm32(v int32) {
	a.sec.Append(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (a *Assembler) appendImm64(v int64) {
	a.sec.Append(byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}
