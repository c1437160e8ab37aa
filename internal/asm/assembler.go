// assembler.go - 节点图到机器码的序列化
//
// 汇编器独占一个段写入器，把纯物理形式的节点图顺序编码进段。
// 标签节点在当前游标处绑定，对齐节点用 NOP 填充，
// 函数边界标记不产生字节。

package asm

import (
	"go.uber.org/zap"

	"github.com/tangzhangming/forge/internal/arch"
	"github.com/tangzhangming/forge/internal/code"
	"github.com/tangzhangming/forge/internal/errs"
	"github.com/tangzhangming/forge/internal/ir"
)

type Assembler struct {
	h   *code.Holder
	sec *code.Section
	log *zap.Logger
}

func New(h *code.Holder) *Assembler {
	return &Assembler{h: h, log: zap.NewNop()}
}

func (a *Assembler) SetLogger(l *zap.Logger) {
	if l != nil {
		a.log = l
	}
}

// Attach 独占接管一个段的写入
// 同一段已有写入器时失败，用完必须 Detach
func (a *Assembler) Attach(id code.SectionID) error {
	if err := a.h.AttachWriter(id); err != nil {
		return err
	}
	a.sec = a.h.SectionByID(id)
	return nil
}

// Detach 归还段写入器
func (a *Assembler) Detach() {
	if a.sec != nil {
		a.h.DetachWriter(a.sec.ID())
		a.sec = nil
	}
}

// EmitAll 顺序编码整个节点图
func (a *Assembler) EmitAll(b *ir.Builder) error {
	for ref := b.First(); ref != 0; ref = b.NextOf(ref) {
		n, err := b.Node(ref)
		if err != nil {
			return err
		}
		if err := a.EmitNode(n); err != nil {
			return err
		}
	}
	return nil
}

// EmitNode 编码单个节点
func (a *Assembler) EmitNode(n *ir.Node) error {
	if a.sec == nil {
		return errs.Configf(errs.J0102, "assembler has no section attached")
	}
	switch n.Kind {
	case ir.NodeInst:
		if a.h.Arch().Arch != arch.X64 {
			return errs.Encodef(errs.J0401, "no encoder for %s", a.h.Arch().Arch)
		}
		return a.encodeX64(n)
	case ir.NodeLabel:
		return a.h.BindLabel(n.Label, a.sec.ID(), a.sec.Len())
	case ir.NodeAlign:
		a.sec.Pad(int(n.Align), 0x90)
		return nil
	case ir.NodeFuncBegin, ir.NodeFuncEnd:
		return nil
	}
	return errs.Encodef(errs.J0400, "cannot encode node kind %s", n.Kind)
}
