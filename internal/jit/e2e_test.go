package jit

import (
	stdruntime "runtime"
	"testing"
	"unsafe"

	"github.com/tangzhangming/forge/internal/arch"
	"github.com/tangzhangming/forge/internal/asm"
	"github.com/tangzhangming/forge/internal/code"
	"github.com/tangzhangming/forge/internal/cpufeat"
	"github.com/tangzhangming/forge/internal/ir"
	"github.com/tangzhangming/forge/internal/regalloc"
)

// 全链路：构图 -> 寄存器分配 -> 编码 -> 重定位 -> 装载 -> 执行
//
// 生成的函数按 System V 接三个向量指针，做打包 32 位整数加：
//
//	void vadd(int32 *a, int32 *b, int32 *out)
func TestVectorAddEndToEnd(t *testing.T) {
	if stdruntime.GOARCH != "amd64" || stdruntime.GOOS == "windows" {
		t.Skipf("needs unix amd64, have %s/%s", stdruntime.GOOS, stdruntime.GOARCH)
	}
	feats := cpufeat.Detect()
	if !feats.SSE2 {
		t.Skip("host lacks SSE2")
	}

	info, err := arch.Lookup(arch.X64, feats)
	if err != nil {
		t.Fatal(err)
	}
	h := code.NewHolder()
	if err := h.Init(info); err != nil {
		t.Fatal(err)
	}

	b := ir.NewBuilder(nil)
	pa := b.NewVReg(arch.ClassGP, 8)
	pb := b.NewVReg(arch.ClassGP, 8)
	pc := b.NewVReg(arch.ClassGP, 8)
	va := b.NewVReg(arch.ClassVec, 16)
	vb := b.NewVReg(arch.ClassVec, 16)

	b.FuncBegin(arch.CallConvSystemV)
	// 参数搬入虚拟寄存器
	b.Emit(ir.InstMov, ir.Def(pa), ir.Phys(arch.ClassGP, arch.RDI, ir.FlagUse))
	b.Emit(ir.InstMov, ir.Def(pb), ir.Phys(arch.ClassGP, arch.RSI, ir.FlagUse))
	b.Emit(ir.InstMov, ir.Def(pc), ir.Phys(arch.ClassGP, arch.RDX, ir.FlagUse))
	// 128 位向量加法
	b.Emit(ir.InstMovups, ir.Def(va), ir.MemVirt(pa, 0, ir.FlagUse))
	b.Emit(ir.InstMovups, ir.Def(vb), ir.MemVirt(pb, 0, ir.FlagUse))
	b.Emit(ir.InstPaddd, ir.UseDef(va), ir.Use(vb))
	b.Emit(ir.InstMovups, ir.MemVirt(pc, 0, ir.FlagDef), ir.Use(va))
	b.Emit(ir.InstRet)
	b.FuncEnd()

	alloc, err := regalloc.NewContext(b, info).Run()
	if err != nil {
		t.Fatalf("regalloc: %v", err)
	}
	if n := alloc.Funcs[0].SpillCount(); n != 0 {
		t.Fatalf("tiny function spilled %d times", n)
	}

	a := asm.New(h)
	if err := a.Attach(h.Text().ID()); err != nil {
		t.Fatal(err)
	}
	if err := a.EmitAll(b); err != nil {
		t.Fatalf("encode: %v", err)
	}
	a.Detach()
	if err := h.Relocate(); err != nil {
		t.Fatalf("relocate: %v", err)
	}

	rt := NewRuntime(nil)
	defer rt.Close()
	entry, err := rt.Add(h)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	x := [4]int32{4, 3, 2, 1}
	y := [4]int32{1, 5, 2, 8}
	var z [4]int32
	_, ok := CallNative(entry,
		int64(uintptr(unsafe.Pointer(&x[0]))),
		int64(uintptr(unsafe.Pointer(&y[0]))),
		int64(uintptr(unsafe.Pointer(&z[0]))))
	stdruntime.KeepAlive(&x)
	stdruntime.KeepAlive(&y)
	stdruntime.KeepAlive(&z)
	if !ok {
		t.Fatal("call failed")
	}

	want := [4]int32{5, 8, 4, 9}
	if z != want {
		t.Fatalf("vadd = %v, want %v", z, want)
	}

	if err := rt.Release(entry); err != nil {
		t.Fatalf("release: %v", err)
	}
}

// 溢出路径的值保真：同时活跃数超出寄存器容量时，
// 经过溢出/重载的求和结果必须与寄存器驻留时一致
func TestSpillSumEndToEnd(t *testing.T) {
	if stdruntime.GOARCH != "amd64" || stdruntime.GOOS == "windows" {
		t.Skipf("needs unix amd64, have %s/%s", stdruntime.GOOS, stdruntime.GOARCH)
	}

	info, err := arch.Lookup(arch.X64, cpufeat.Detect())
	if err != nil {
		t.Fatal(err)
	}
	h := code.NewHolder()
	if err := h.Init(info); err != nil {
		t.Fatal(err)
	}

	b := ir.NewBuilder(nil)
	n := info.AllocatableCount(arch.ClassGP) + 3
	vs := make([]ir.VirtID, n)
	for i := range vs {
		vs[i] = b.NewVReg(arch.ClassGP, 8)
	}
	acc := b.NewVReg(arch.ClassGP, 8)

	b.FuncBegin(arch.CallConvSystemV)
	// 先让全部值同时活跃，再逐个累加
	for i, v := range vs {
		b.Emit(ir.InstMov, ir.Def(v), ir.Imm(int64(i+1)))
	}
	b.Emit(ir.InstMov, ir.Def(acc), ir.Imm(0))
	for _, v := range vs {
		b.Emit(ir.InstAdd, ir.UseDef(acc), ir.Use(v))
	}
	b.Emit(ir.InstMov, ir.Phys(arch.ClassGP, arch.RAX, ir.FlagDef), ir.Use(acc))
	b.Emit(ir.InstRet)
	b.FuncEnd()

	alloc, err := regalloc.NewContext(b, info).Run()
	if err != nil {
		t.Fatalf("regalloc: %v", err)
	}
	if alloc.Funcs[0].SpillCount() == 0 {
		t.Fatal("expected the spill path to be exercised")
	}

	a := asm.New(h)
	if err := a.Attach(h.Text().ID()); err != nil {
		t.Fatal(err)
	}
	if err := a.EmitAll(b); err != nil {
		t.Fatalf("encode: %v", err)
	}
	a.Detach()
	if err := h.Relocate(); err != nil {
		t.Fatalf("relocate: %v", err)
	}

	rt := NewRuntime(nil)
	defer rt.Close()
	entry, err := rt.Add(h)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	got, ok := CallNative(entry)
	if !ok {
		t.Fatal("call failed")
	}
	if want := int64(n * (n + 1) / 2); got != want {
		t.Fatalf("spilled sum = %d, want %d", got, want)
	}
}
