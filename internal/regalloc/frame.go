// frame.go - 栈帧布局与序言/尾声合成
//
// 帧结构（地址从高到低）：
//
//	[rbp+8]  返回地址
//	[rbp]    调用者帧指针
//	[rbp-8..]  被用到的被调用者保存寄存器
//	[rbp-SavedSize-SpillSize .. rbp-SavedSize)  溢出区
//
// 溢出区按调用约定的栈对齐补齐，序言之后栈指针保持对齐。

package regalloc

import (
	"sort"

	"github.com/tangzhangming/forge/internal/arch"
	"github.com/tangzhangming/forge/internal/ir"
)

// FrameLayout 单个函数的栈帧描述
type FrameLayout struct {
	Conv      arch.CallConvKind `json:"conv"`
	SavedRegs []uint8           `json:"saved_regs"` // 用到的被调用者保存寄存器，升序
	SavedSize int32             `json:"saved_size"`
	SpillSize int32             `json:"spill_size"` // 已含对齐补齐
	StackSize int32             `json:"stack_size"` // SavedSize + SpillSize

	SlotOffsets []int32 `json:"slot_offsets"` // 槽编号 -> 溢出区内偏移
}

// SlotDisp 溢出槽相对帧指针的位移
func (f *FrameLayout) SlotDisp(slot int32) int32 {
	return f.SlotOffsets[slot] - f.SavedSize - f.SpillSize
}

// layoutFrame 根据分配结果计算帧布局
func (c *Context) layoutFrame(r *region, slots *slotTable) (*FrameLayout, error) {
	f := &FrameLayout{Conv: r.conv.Kind, SlotOffsets: slots.offsets}

	// 被调用者保存寄存器：只统计真正分配出去的
	seen := make(map[uint8]bool)
	for _, iv := range r.intervals {
		if !iv.Assigned || iv.Class != arch.ClassGP {
			continue
		}
		if r.conv.IsCalleeSaved(iv.Reg) && !seen[iv.Reg] {
			seen[iv.Reg] = true
			f.SavedRegs = append(f.SavedRegs, iv.Reg)
		}
	}
	sort.Slice(f.SavedRegs, func(i, j int) bool { return f.SavedRegs[i] < f.SavedRegs[j] })
	f.SavedSize = int32(len(f.SavedRegs)) * 8

	// 溢出区 16 字节对齐，再补齐使序言结束时栈指针满足约定对齐
	f.SpillSize = (slots.size + 15) &^ 15
	align := int32(r.conv.StackAlign)
	if align > 0 && (f.SavedSize+f.SpillSize)%align != 0 {
		f.SpillSize += align - (f.SavedSize+f.SpillSize)%align
	}
	f.StackSize = f.SavedSize + f.SpillSize
	return f, nil
}

// emitPrologEpilog 物化序言和尾声
//
// 序言紧跟函数起始标记：建帧、保存寄存器、开溢出区。
// 尾声插在区域内每条 ret 之前，严格逆序展开。
// 起始/结束标记本身保留在图中，编码阶段不产生字节。
func (c *Context) emitPrologEpilog(r *region, f *FrameLayout) error {
	fp, sp := c.info.FrameReg, c.info.StackReg

	anchor := r.begin
	put := func(inst ir.Inst, ops ...ir.Operand) error {
		ref, err := c.b.MakeInst(inst, ops...)
		if err != nil {
			return err
		}
		if err := c.b.InsertAfter(ref, anchor); err != nil {
			return err
		}
		anchor = ref
		return nil
	}

	if err := put(ir.InstPush, ir.Phys(arch.ClassGP, fp, ir.FlagUse)); err != nil {
		return err
	}
	if err := put(ir.InstMov,
		ir.Phys(arch.ClassGP, fp, ir.FlagDef),
		ir.Phys(arch.ClassGP, sp, ir.FlagUse)); err != nil {
		return err
	}
	for _, reg := range f.SavedRegs {
		if err := put(ir.InstPush, ir.Phys(arch.ClassGP, reg, ir.FlagUse)); err != nil {
			return err
		}
	}
	if f.SpillSize > 0 {
		if err := put(ir.InstSub,
			ir.Phys(arch.ClassGP, sp, ir.FlagUse|ir.FlagDef),
			ir.Imm(int64(f.SpillSize))); err != nil {
			return err
		}
	}

	for _, ret := range r.rets {
		pre := func(inst ir.Inst, ops ...ir.Operand) error {
			ref, err := c.b.MakeInst(inst, ops...)
			if err != nil {
				return err
			}
			return c.b.InsertBefore(ref, ret)
		}
		if f.SpillSize > 0 {
			if err := pre(ir.InstAdd,
				ir.Phys(arch.ClassGP, sp, ir.FlagUse|ir.FlagDef),
				ir.Imm(int64(f.SpillSize))); err != nil {
				return err
			}
		}
		for i := len(f.SavedRegs) - 1; i >= 0; i-- {
			if err := pre(ir.InstPop, ir.Phys(arch.ClassGP, f.SavedRegs[i], ir.FlagDef)); err != nil {
				return err
			}
		}
		if err := pre(ir.InstPop, ir.Phys(arch.ClassGP, fp, ir.FlagDef)); err != nil {
			return err
		}
	}
	return nil
}
