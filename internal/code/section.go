// section.go - 输出段
//
// Section 是一个可增长的连续输出缓冲区，持有对齐要求和
// 在最终镜像中的基址（基址在 Relocate 时指派）。

package code

// SectionID 段 id（Holder 内唯一）
type SectionID uint8

// Section 输出段
type Section struct {
	id    SectionID
	name  string
	align int
	buf   []byte
	base  int // 在最终镜像中的基址，Relocate 时指派
}

// ID 段 id
func (s *Section) ID() SectionID { return s.id }

// Name 段名
func (s *Section) Name() string { return s.name }

// Align 对齐要求
func (s *Section) Align() int { return s.align }

// Len 当前字节数，同时是下一次写入的游标
func (s *Section) Len() int { return len(s.buf) }

// Base 在最终镜像中的基址（Relocate 之前为 0）
func (s *Section) Base() int { return s.base }

// Bytes 返回段内容
// 返回的切片与内部缓冲区共享存储，只读使用
func (s *Section) Bytes() []byte { return s.buf }

// Append 追加字节
func (s *Section) Append(b ...byte) {
	s.buf = append(s.buf, b...)
}

// Pad 用 filler 填充到 align 的倍数
func (s *Section) Pad(align int, filler byte) {
	if align <= 1 {
		return
	}
	for len(s.buf)%align != 0 {
		s.buf = append(s.buf, filler)
	}
}
