// Package code 实现编译单元的代码容器
//
// Holder 锚定一个编译单元：目标架构描述符、若干输出段、
// 标签表和重定位表。Builder 产出 IR，Assembler 把字节写进段里，
// 前向引用登记为重定位，最后由 Relocate 统一回填。
//
// 每个段同一时刻至多附加一个写入者，防止交错写坏缓冲区。
package code

import (
	"encoding/binary"
	"math"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/forge/internal/arch"
	"github.com/tangzhangming/forge/internal/errs"
)

// LabelID 标签 id，0 无效
type LabelID uint32

// RelocKind 重定位类型
type RelocKind uint8

const (
	// RelRel32 相对寻址：32 位 PC 相对偏移（从字段结束处起算）
	RelRel32 RelocKind = iota + 1
	// RelAbs64 绝对寻址：64 位绝对地址，提交到可执行内存时再加基址
	RelAbs64
)

// Relocation 待回填的地址补丁
type Relocation struct {
	Kind    RelocKind
	Section SectionID
	Offset  int     // 字段在段内的偏移
	Label   LabelID // 目标标签
	Addend  int64
}

// label 标签表项
type label struct {
	bound   bool
	section SectionID
	offset  int
}

// ============================================================================
// Holder
// ============================================================================

// Holder 一个编译单元的代码容器
type Holder struct {
	info     *arch.Info
	sections []*Section
	labels   []label
	relocs   []Relocation
	writers  []bool // 每段的写入者附加标记

	relocated bool
	log       *zap.Logger
}

// NewHolder 创建未初始化的 Holder
func NewHolder() *Holder {
	return &Holder{log: zap.NewNop()}
}

// SetLogger 附加诊断日志（纯观测，不影响生成的代码）
func (h *Holder) SetLogger(l *zap.Logger) {
	if l != nil {
		h.log = l
	}
}

// Init 用架构描述符初始化
//
// nil 描述符返回 J0100；重复初始化返回 J0101。
// 初始化同时创建默认 .text 段。
func (h *Holder) Init(info *arch.Info) error {
	if h.info != nil {
		return errs.Configf(errs.J0101, "holder already initialized for %s", h.info.Arch)
	}
	if info == nil {
		return errs.Configf(errs.J0100, "nil architecture descriptor")
	}
	h.info = info
	h.sections = append(h.sections, &Section{id: 0, name: ".text", align: 16})
	h.writers = append(h.writers, false)
	h.log.Debug("code holder initialized", zap.String("arch", info.Arch.String()))
	return nil
}

// Initialized 是否已初始化
func (h *Holder) Initialized() bool { return h.info != nil }

// Arch 架构描述符
func (h *Holder) Arch() *arch.Info { return h.info }

// Text 默认代码段
func (h *Holder) Text() *Section {
	if len(h.sections) == 0 {
		return nil
	}
	return h.sections[0]
}

// NewSection 创建新段
func (h *Holder) NewSection(name string, align int) (*Section, error) {
	if h.info == nil {
		return nil, errs.Configf(errs.J0102, "holder not initialized")
	}
	if align <= 0 {
		align = 1
	}
	if len(h.sections) > math.MaxUint8 {
		return nil, errs.Configf(errs.J0104, "too many sections")
	}
	s := &Section{id: SectionID(len(h.sections)), name: name, align: align}
	h.sections = append(h.sections, s)
	h.writers = append(h.writers, false)
	return s, nil
}

// SectionByID 按 id 查段
func (h *Holder) SectionByID(id SectionID) *Section {
	if int(id) < len(h.sections) {
		return h.sections[id]
	}
	return nil
}

// ============================================================================
// 写入者
// ============================================================================

// AttachWriter 把一个写入者附加到段上
// 每段同一时刻至多一个写入者，违反返回 J0103。
func (h *Holder) AttachWriter(id SectionID) error {
	if h.info == nil {
		return errs.Configf(errs.J0102, "holder not initialized")
	}
	if int(id) >= len(h.writers) {
		return errs.Graphf(errs.J0202, "unknown section %d", id)
	}
	if h.writers[id] {
		return errs.Configf(errs.J0103, "section %q already has a writer attached", h.sections[id].name)
	}
	h.writers[id] = true
	return nil
}

// DetachWriter 解除段的写入者
func (h *Holder) DetachWriter(id SectionID) {
	if int(id) < len(h.writers) {
		h.writers[id] = false
	}
}

// ============================================================================
// 标签
// ============================================================================

// NewLabel 创建未绑定标签
func (h *Holder) NewLabel() LabelID {
	h.labels = append(h.labels, label{})
	return LabelID(len(h.labels)) // 1-based
}

// BindLabel 把标签绑定到 (section, offset)
//
// 未知标签返回 J0203，重复绑定返回 J0204。绑定至多一次。
func (h *Holder) BindLabel(id LabelID, sec SectionID, offset int) error {
	if id == 0 || int(id) > len(h.labels) {
		return errs.Graphf(errs.J0203, "invalid label id %d", id)
	}
	l := &h.labels[id-1]
	if l.bound {
		return errs.Graphf(errs.J0204, "label %d already bound to section %d offset %d",
			id, l.section, l.offset)
	}
	if int(sec) >= len(h.sections) {
		return errs.Graphf(errs.J0202, "unknown section %d", sec)
	}
	l.bound = true
	l.section = sec
	l.offset = offset
	return nil
}

// LabelBound 查询标签是否已绑定
func (h *Holder) LabelBound(id LabelID) bool {
	if id == 0 || int(id) > len(h.labels) {
		return false
	}
	return h.labels[id-1].bound
}

// LabelPlace 查询标签绑定位置
func (h *Holder) LabelPlace(id LabelID) (SectionID, int, bool) {
	if !h.LabelBound(id) {
		return 0, 0, false
	}
	l := h.labels[id-1]
	return l.section, l.offset, true
}

// ============================================================================
// 重定位
// ============================================================================

// AddRelocation 登记一条重定位
func (h *Holder) AddRelocation(r Relocation) error {
	if h.info == nil {
		return errs.Configf(errs.J0102, "holder not initialized")
	}
	if r.Label == 0 || int(r.Label) > len(h.labels) {
		return errs.Graphf(errs.J0203, "relocation against invalid label %d", r.Label)
	}
	if int(r.Section) >= len(h.sections) {
		return errs.Graphf(errs.J0202, "relocation in unknown section %d", r.Section)
	}
	h.relocs = append(h.relocs, r)
	h.relocated = false
	return nil
}

// RelocationCount 登记的重定位数量
func (h *Holder) RelocationCount() int { return len(h.relocs) }

// Relocate 指派段基址并回填全部重定位
//
// 任何被引用而未绑定的标签使整个调用失败（J0300，multierr 聚合全部缺失），
// 绝不写出垃圾字节。Abs64 重定位按镜像内偏移回填，
// 提交到可执行内存时由运行时加上最终基址（见 AbsRelocations）。
func (h *Holder) Relocate() error {
	if h.info == nil {
		return errs.Configf(errs.J0102, "holder not initialized")
	}

	// 先指派段基址
	base := 0
	for _, s := range h.sections {
		if s.align > 1 {
			base = (base + s.align - 1) &^ (s.align - 1)
		}
		s.base = base
		base += len(s.buf)
	}

	// 先整体校验，失败时不改写任何字节
	var unresolved error
	for _, r := range h.relocs {
		if !h.LabelBound(r.Label) {
			unresolved = multierr.Append(unresolved,
				errs.Allocf(errs.J0300, "relocation at section %d offset %d references unbound label %d",
					r.Section, r.Offset, r.Label))
		}
	}
	if unresolved != nil {
		return unresolved
	}

	for _, r := range h.relocs {
		lsec, loff, _ := h.LabelPlace(r.Label)
		target := h.sections[lsec].base + loff
		buf := h.sections[r.Section].buf

		switch r.Kind {
		case RelRel32:
			// 相对偏移从字段结束处起算
			source := h.sections[r.Section].base + r.Offset + 4
			disp := int64(target) - int64(source) + r.Addend
			if disp < math.MinInt32 || disp > math.MaxInt32 {
				return errs.Encodef(errs.J0402, "rel32 displacement out of range: %d", disp)
			}
			binary.LittleEndian.PutUint32(buf[r.Offset:], uint32(int32(disp)))
		case RelAbs64:
			binary.LittleEndian.PutUint64(buf[r.Offset:], uint64(int64(target)+r.Addend))
		default:
			return errs.Encodef(errs.J0400, "unknown relocation kind %d", r.Kind)
		}
	}

	h.relocated = true
	h.log.Debug("relocations resolved", zap.Int("count", len(h.relocs)))
	return nil
}

// Relocated 是否所有重定位都已回填
func (h *Holder) Relocated() bool {
	return h.relocated || len(h.relocs) == 0
}

// AbsRelocations 返回需要按最终基址二次回填的 Abs64 重定位位置
// 返回值是镜像内偏移
func (h *Holder) AbsRelocations() []int {
	var out []int
	for _, r := range h.relocs {
		if r.Kind == RelAbs64 {
			out = append(out, h.sections[r.Section].base+r.Offset)
		}
	}
	return out
}

// ============================================================================
// 展平
// ============================================================================

// Flatten 拼接所有段为最终镜像
//
// 要求重定位已全部回填（J0503），段间按对齐填充 0。
func (h *Holder) Flatten() ([]byte, error) {
	if h.info == nil {
		return nil, errs.Configf(errs.J0102, "holder not initialized")
	}
	if !h.Relocated() {
		return nil, errs.Runtimef(errs.J0503, "flatten before relocation: %d pending", len(h.relocs))
	}

	// 基址可能尚未指派（零重定位时 Relocate 可以不被调用）
	size := 0
	for _, s := range h.sections {
		if s.align > 1 {
			size = (size + s.align - 1) &^ (s.align - 1)
		}
		s.base = size
		size += len(s.buf)
	}

	img := make([]byte, size)
	for _, s := range h.sections {
		copy(img[s.base:], s.buf)
	}
	return img, nil
}
