// arch_test.go - 架构描述符测试

package arch

import (
	"errors"
	"testing"

	"github.com/tangzhangming/forge/internal/cpufeat"
	"github.com/tangzhangming/forge/internal/errs"
)

// TestLookup 测试描述符查询
func TestLookup(t *testing.T) {
	info, err := Lookup(X64, cpufeat.Baseline())
	if err != nil {
		t.Fatalf("Lookup(X64) failed: %v", err)
	}
	if info.WordSize != 8 {
		t.Errorf("expected word size 8, got %d", info.WordSize)
	}
	if info.StackReg != RSP || info.FrameReg != RBP {
		t.Error("wrong stack/frame registers for x64")
	}
	if !info.Features.SSE2 {
		t.Error("injected feature set lost")
	}

	// 未知架构
	if _, err := Lookup(Arch(99), cpufeat.Features{}); err == nil {
		t.Fatal("expected error for unknown architecture")
	} else if !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("expected ConfigurationError, got %v", err)
	}
}

// TestAllocatableExcludesReserved 可分配集不含栈/帧/暂存寄存器
func TestAllocatableExcludesReserved(t *testing.T) {
	info, _ := Lookup(X64, cpufeat.Baseline())

	for _, r := range info.Allocatable[ClassGP] {
		if r == info.StackReg || r == info.FrameReg || r == info.Scratch[ClassGP] {
			t.Errorf("reserved register %s in allocatable set", RegName(X64, ClassGP, r))
		}
	}
	for _, r := range info.Allocatable[ClassVec] {
		if r == info.Scratch[ClassVec] {
			t.Errorf("vector scratch xmm%d in allocatable set", r)
		}
	}
}

// TestCallConv 测试调用约定描述符
func TestCallConv(t *testing.T) {
	if SystemV.ArgRegs[0] != RDI || SystemV.ArgRegs[2] != RDX {
		t.Error("wrong SystemV argument order")
	}
	if Win64.ShadowSpace != 32 {
		t.Error("Win64 must have 32-byte shadow space")
	}
	if SystemV.RedZone != 128 {
		t.Error("SystemV must have 128-byte red zone")
	}

	if !SystemV.IsCalleeSaved(RBX) || SystemV.IsCalleeSaved(RAX) {
		t.Error("wrong callee-saved classification")
	}

	r, ok := SystemV.ArgReg(ClassGP, 1)
	if !ok || r != RSI {
		t.Errorf("ArgReg(GP,1) = %d, want rsi", r)
	}
	if _, ok := SystemV.ArgReg(ClassGP, 6); ok {
		t.Error("ArgReg beyond register args must report false")
	}

	if _, err := ByKind(CallConvNone); err == nil {
		t.Error("ByKind(None) should fail")
	}
}

// TestRegName 测试寄存器命名
func TestRegName(t *testing.T) {
	if RegName(X64, ClassGP, RAX) != "rax" {
		t.Error("rax name wrong")
	}
	if RegName(X64, ClassVec, 0) != "xmm0" {
		t.Errorf("xmm0 name wrong: %s", RegName(X64, ClassVec, 0))
	}
	if RegName(X64, ClassVec, 12) != "xmm12" {
		t.Errorf("xmm12 name wrong: %s", RegName(X64, ClassVec, 12))
	}
}
