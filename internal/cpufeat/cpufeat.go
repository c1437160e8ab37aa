// Package cpufeat 提供 CPU 可选指令集扩展的探测
//
// 探测结果是显式状态：在初始化时注入到架构描述符中，
// 而不是进程级的隐藏单例。测试可以构造任意 Features 注入，
// 保证编译结果可复现。
//
// 探测结果只供指令校验使用，寄存器分配器不读取它。
package cpufeat

import (
	"github.com/segmentio/asm/cpu"
	"github.com/segmentio/asm/cpu/arm64"
	"github.com/segmentio/asm/cpu/x86"
)

// Features 可用的指令集扩展集合
type Features struct {
	// x86-64
	SSE2   bool
	SSE41  bool
	AVX    bool
	AVX2   bool
	AVX512 bool

	// arm64
	NEON bool
}

// Detect 探测当前 CPU 的特性
func Detect() Features {
	return Features{
		SSE2:   cpu.X86.Has(x86.SSE2),
		SSE41:  cpu.X86.Has(x86.SSE41),
		AVX:    cpu.X86.Has(x86.AVX),
		AVX2:   cpu.X86.Has(x86.AVX2),
		AVX512: cpu.X86.Has(x86.AVX512F),
		NEON:   cpu.ARM64.Has(arm64.ASIMD),
	}
}

// Baseline 返回目标架构的基线特性集
// x86-64 基线包含 SSE2；arm64 基线包含 NEON
func Baseline() Features {
	return Features{SSE2: true, NEON: true}
}
