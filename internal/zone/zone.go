// Package zone 提供块链式 bump-pointer 内存池
//
// Zone 为 IR 节点、活跃区间等编译期瞬态数据提供 O(1) 均摊分配，
// 没有逐对象释放：内存只随 Zone 整体 Reset 或 Free 而失效。
//
// 设计目标：
// - 减少 GC 压力：大量小对象从少数大块中分配
// - 指针稳定：增长只追加新块，绝不搬移已有块，先前返回的指针保持有效
// - 批量失效：Reset 使之前分配的所有指针失效（文档约定，分配器本身不检查）
//
// 注意：块由 []byte 支撑，GC 不会扫描其中的指针。
// 从 Zone 分配的类型必须不含 Go 指针（句柄 / 下标代替指针交叉引用）。
package zone

import (
	"unsafe"

	"github.com/tangzhangming/forge/internal/errs"
)

// 默认块大小：64KB
// 太小会频繁申请新块，太大会在小编译单元上浪费内存
const defaultBlockSize = 64 * 1024

// Zone 内存池
//
// 内部维护一个内存块链，分配时从当前块 bump 指针，
// 当前块不足时追加新块。
type Zone struct {
	blocks    [][]byte // 内存块链
	current   []byte   // 当前块
	offset    int      // 当前块的分配游标
	blockSize int      // 标准块大小
	limit     int      // 总量上限（0 表示不限）
	total     int      // 已向后备申请的总字节数
}

// New 创建 Zone
//
// blockSize <= 0 时使用默认 64KB。
// limit 为所有块的总量上限，超过时 Alloc 返回 J0302；0 表示不限。
func New(blockSize, limit int) *Zone {
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	z := &Zone{
		blocks:    make([][]byte, 0, 4),
		blockSize: blockSize,
		limit:     limit,
	}
	// 预分配第一个块；首块失败时保持空状态，由首次 Alloc 报告
	_ = z.grow(blockSize)
	return z
}

// Alloc 分配 size 字节，按 align 对齐
//
// align 必须是 2 的幂。返回的内存在 Reset/Free 之前一直有效。
// 超出总量上限时返回 AllocationError (J0302)。
//
// PERF: 热路径，保持简单以便内联
func (z *Zone) Alloc(size, align int) (unsafe.Pointer, error) {
	if size < 0 || align <= 0 || align&(align-1) != 0 {
		return nil, errs.Allocf(errs.J0302, "invalid alloc request: size=%d align=%d", size, align)
	}
	if size == 0 {
		// 零字节请求也要返回可解引用的指针；当前块刚好用满时
		// 游标会停在块末尾之外，按 1 字节处理
		size = 1
	}

	// 按实际地址对齐游标，不依赖块基址本身的对齐
	offset := z.alignedOffset(align)

	if offset+size > len(z.current) {
		// 当前块不足，追加新块
		need := size + align
		if need < z.blockSize {
			need = z.blockSize
		}
		if err := z.grow(need); err != nil {
			return nil, err
		}
		offset = z.alignedOffset(align)
	}

	ptr := unsafe.Pointer(&z.current[offset])
	z.offset = offset + size
	return ptr, nil
}

// alignedOffset 返回当前块内下一个满足 align 的游标位置
func (z *Zone) alignedOffset(align int) int {
	if len(z.current) == 0 {
		return 0
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(z.current)))
	addr := base + uintptr(z.offset)
	aligned := (addr + uintptr(align) - 1) &^ (uintptr(align) - 1)
	return z.offset + int(aligned-addr)
}

// grow 追加一个新块
func (z *Zone) grow(size int) error {
	if size < z.blockSize {
		size = z.blockSize
	}
	if z.limit > 0 && z.total+size > z.limit {
		return errs.Allocf(errs.J0302, "zone exhausted: total=%d request=%d limit=%d",
			z.total, size, z.limit)
	}

	block := make([]byte, size)
	z.blocks = append(z.blocks, block)
	z.current = block
	z.offset = 0
	z.total += size
	return nil
}

// Reset 重置 Zone，保留首块以便复用
//
// 调用后之前分配的所有指针失效。后续分配会复用先前的字节区间。
func (z *Zone) Reset() {
	if len(z.blocks) > 1 {
		z.total = len(z.blocks[0])
		z.blocks = z.blocks[:1]
		z.current = z.blocks[0]
	} else if len(z.blocks) == 1 {
		z.current = z.blocks[0]
	}
	z.offset = 0
}

// Free 释放全部内存
//
// 之后 Zone 仍可使用，但会重新向后备申请。
func (z *Zone) Free() {
	z.blocks = nil
	z.current = nil
	z.offset = 0
	z.total = 0
}

// ============================================================================
// 类型化分配
// ============================================================================

// AllocType 分配一个 T 并清零
//
// T 不得包含 Go 指针（见包注释）。
func AllocType[T any](z *Zone) (*T, error) {
	var zero T
	p, err := z.Alloc(int(unsafe.Sizeof(zero)), int(unsafe.Alignof(zero)))
	if err != nil {
		return nil, err
	}
	t := (*T)(p)
	*t = zero // Reset 复用的字节可能残留旧值
	return t, nil
}

// AllocSlice 分配长度为 n 的 []T 并清零
func AllocSlice[T any](z *Zone, n int) ([]T, error) {
	if n == 0 {
		return nil, nil
	}
	var zero T
	p, err := z.Alloc(int(unsafe.Sizeof(zero))*n, int(unsafe.Alignof(zero)))
	if err != nil {
		return nil, err
	}
	s := unsafe.Slice((*T)(p), n)
	for i := range s {
		s[i] = zero
	}
	return s, nil
}

// ============================================================================
// 统计
// ============================================================================

// Stats Zone 统计信息
type Stats struct {
	BlockCount int // 块数量
	TotalBytes int // 向后备申请的总字节数
	UsedBytes  int // 已分配字节数
}

// Stats 获取统计信息
func (z *Zone) Stats() Stats {
	st := Stats{
		BlockCount: len(z.blocks),
		TotalBytes: z.total,
	}
	for i, b := range z.blocks {
		if i < len(z.blocks)-1 {
			st.UsedBytes += len(b)
		} else {
			st.UsedBytes += z.offset
		}
	}
	return st
}
