package asm

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tangzhangming/forge/internal/arch"
	"github.com/tangzhangming/forge/internal/code"
	"github.com/tangzhangming/forge/internal/cpufeat"
	"github.com/tangzhangming/forge/internal/errs"
	"github.com/tangzhangming/forge/internal/ir"
)

func newTestAsm(t *testing.T, feats cpufeat.Features) (*code.Holder, *Assembler) {
	t.Helper()
	info, err := arch.Lookup(arch.X64, feats)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	h := code.NewHolder()
	if err := h.Init(info); err != nil {
		t.Fatalf("Init: %v", err)
	}
	a := New(h)
	if err := a.Attach(h.Text().ID()); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return h, a
}

func emitAll(t *testing.T, a *Assembler, b *ir.Builder) {
	t.Helper()
	if err := a.EmitAll(b); err != nil {
		t.Fatalf("EmitAll: %v", err)
	}
}

func gp(reg uint8) ir.Operand  { return ir.Phys(arch.ClassGP, reg, ir.FlagUse) }
func vec(reg uint8) ir.Operand { return ir.Phys(arch.ClassVec, reg, ir.FlagUse) }

func TestEncodeProlog(t *testing.T) {
	h, a := newTestAsm(t, cpufeat.Baseline())
	b := ir.NewBuilder(nil)
	b.Emit(ir.InstPush, gp(arch.RBP))
	b.Emit(ir.InstMov, gp(arch.RBP), gp(arch.RSP))
	b.Emit(ir.InstSub, gp(arch.RSP), ir.Imm(16))
	b.Emit(ir.InstRet)
	emitAll(t, a, b)

	want := []byte{
		0x55,                   // push rbp
		0x48, 0x89, 0xE5,       // mov rbp, rsp
		0x48, 0x81, 0xEC, 0x10, 0x00, 0x00, 0x00, // sub rsp, 16
		0xC3, // ret
	}
	if got := h.Text().Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("encoded % X, want % X", got, want)
	}
}

func TestEncodeVector(t *testing.T) {
	h, a := newTestAsm(t, cpufeat.Baseline())
	b := ir.NewBuilder(nil)
	b.Emit(ir.InstMovups, vec(arch.XMM0), ir.Mem(arch.RDI, 0, ir.FlagUse))
	b.Emit(ir.InstMovups, vec(arch.XMM1), ir.Mem(arch.RSI, 0, ir.FlagUse))
	b.Emit(ir.InstPaddd, vec(arch.XMM0), vec(arch.XMM1))
	b.Emit(ir.InstMovups, ir.Mem(arch.RDX, 0, ir.FlagDef), vec(arch.XMM0))
	b.Emit(ir.InstRet)
	emitAll(t, a, b)

	want := []byte{
		0x0F, 0x10, 0x07, // movups xmm0, [rdi]
		0x0F, 0x10, 0x0E, // movups xmm1, [rsi]
		0x66, 0x0F, 0xFE, 0xC1, // paddd xmm0, xmm1
		0x0F, 0x11, 0x02, // movups [rdx], xmm0
		0xC3,
	}
	if got := h.Text().Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("encoded % X, want % X", got, want)
	}
}

// 扩展寄存器需要 REX 位，RSP/R12 基址需要 SIB，RBP/R13 基址需要 disp8
func TestEncodeAddressingEdges(t *testing.T) {
	h, a := newTestAsm(t, cpufeat.Baseline())
	b := ir.NewBuilder(nil)
	b.Emit(ir.InstMov, gp(arch.R11), ir.Mem(arch.RBP, -8, ir.FlagUse))
	b.Emit(ir.InstMovups, vec(arch.XMM15), ir.Mem(arch.RBP, -16, ir.FlagUse))
	b.Emit(ir.InstMov, ir.Mem(arch.RSP, 8, ir.FlagDef), gp(arch.RAX))
	b.Emit(ir.InstMov, ir.Mem(arch.R12, 0, ir.FlagDef), gp(arch.RAX))
	emitAll(t, a, b)

	want := []byte{
		0x4C, 0x8B, 0x5D, 0xF8, // mov r11, [rbp-8]
		0x44, 0x0F, 0x10, 0x7D, 0xF0, // movups xmm15, [rbp-16]
		0x48, 0x89, 0x44, 0x24, 0x08, // mov [rsp+8], rax
		0x49, 0x89, 0x04, 0x24, // mov [r12], rax
	}
	if got := h.Text().Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("encoded % X, want % X", got, want)
	}
}

func TestEncodeMovImm(t *testing.T) {
	h, a := newTestAsm(t, cpufeat.Baseline())
	b := ir.NewBuilder(nil)
	b.Emit(ir.InstMov, gp(arch.RAX), ir.Imm(7))
	b.Emit(ir.InstMov, gp(arch.RCX), ir.Imm(0x1122334455667788))
	emitAll(t, a, b)

	want := []byte{
		0x48, 0xC7, 0xC0, 0x07, 0x00, 0x00, 0x00, // mov rax, 7
		0x48, 0xB9, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, // movabs rcx, ...
	}
	if got := h.Text().Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("encoded % X, want % X", got, want)
	}
}

// 标签转移：占位发射加重定位登记，Relocate 回填位移
func TestLabelFlow(t *testing.T) {
	h, a := newTestAsm(t, cpufeat.Baseline())
	lbl := h.NewLabel()
	b := ir.NewBuilder(nil)
	b.Emit(ir.InstJmp, ir.LabelRef(lbl))
	b.Emit(ir.InstNop)
	b.Bind(lbl)
	b.Emit(ir.InstRet)
	emitAll(t, a, b)

	if h.RelocationCount() != 1 {
		t.Fatalf("relocation count = %d, want 1", h.RelocationCount())
	}
	if err := h.Relocate(); err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	// jmp 占 [0,5)，nop 在 5，标签绑定在 6：disp = 6 - 5 = 1
	want := []byte{0xE9, 0x01, 0x00, 0x00, 0x00, 0x90, 0xC3}
	if got := h.Text().Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("encoded % X, want % X", got, want)
	}
}

// 残留虚拟操作数说明分配没跑完，必须拒绝
func TestVirtualOperandRejected(t *testing.T) {
	_, a := newTestAsm(t, cpufeat.Baseline())
	b := ir.NewBuilder(nil)
	v := b.NewVReg(arch.ClassGP, 8)
	b.Emit(ir.InstTest, ir.Use(v), ir.Use(v))

	err := a.EmitAll(b)
	if !errors.Is(err, errs.ErrAllocation) || errs.CodeOf(err) != errs.J0303 {
		t.Fatalf("expected J0303, got %v", err)
	}
}

func TestMissingEncoding(t *testing.T) {
	_, a := newTestAsm(t, cpufeat.Baseline())
	b := ir.NewBuilder(nil)
	// paddd 没有通用寄存器形式
	b.Emit(ir.InstPaddd, gp(arch.RAX), gp(arch.RCX))
	err := a.EmitAll(b)
	if !errors.Is(err, errs.ErrEncoding) || errs.CodeOf(err) != errs.J0401 {
		t.Fatalf("expected J0401, got %v", err)
	}
}

// 特性集注入自调用方，不读全局状态
func TestFeatureGate(t *testing.T) {
	_, a := newTestAsm(t, cpufeat.Features{})
	b := ir.NewBuilder(nil)
	b.Emit(ir.InstMovups, vec(arch.XMM0), vec(arch.XMM1))
	err := a.EmitAll(b)
	if errs.CodeOf(err) != errs.J0401 {
		t.Fatalf("expected J0401 without SSE2, got %v", err)
	}
}

func TestImmediateRange(t *testing.T) {
	_, a := newTestAsm(t, cpufeat.Baseline())
	b := ir.NewBuilder(nil)
	b.Emit(ir.InstAdd, gp(arch.RAX), ir.Imm(1<<40))
	err := a.EmitAll(b)
	if errs.CodeOf(err) != errs.J0402 {
		t.Fatalf("expected J0402, got %v", err)
	}
}
