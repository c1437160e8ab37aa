// Package ir 实现可编辑的线性 IR 节点序列
//
// Builder 维护一个或多个函数区域的节点双向链表。指令节点携带
// 操作码和操作数槽，操作数可以是虚拟/物理寄存器、内存、立即数
// 或标签引用。函数区域由成对的 FuncBegin/FuncEnd 哨兵界定，
// 哨兵携带调用约定元数据。
//
// 插入 / 删除 / 追加都是 O(1)。节点从 Zone 分配并以稳定整数句柄
// 寻址；删除节点不会产生悬挂引用。
package ir

import (
	"github.com/tangzhangming/forge/internal/arch"
	"github.com/tangzhangming/forge/internal/code"
	"github.com/tangzhangming/forge/internal/errs"
	"github.com/tangzhangming/forge/internal/zone"
)

// Builder IR 构建器
type Builder struct {
	zone *zone.Zone

	// 句柄表：NodeRef-1 -> 节点（节点本体在 Zone 里）
	nodes []*Node

	head, tail NodeRef

	vregs []VirtReg // VirtID-1 下标
}

// NewBuilder 创建构建器
// z 为节点后备 Zone；nil 时自建一个默认 Zone
func NewBuilder(z *zone.Zone) *Builder {
	if z == nil {
		z = zone.New(0, 0)
	}
	return &Builder{zone: z}
}

// Zone 返回后备 Zone
func (b *Builder) Zone() *zone.Zone { return b.zone }

// ============================================================================
// 虚拟寄存器
// ============================================================================

// NewVReg 创建虚拟寄存器
// width 为字节宽度：通用 8，128 位向量 16
func (b *Builder) NewVReg(class arch.RegClass, width uint8) VirtID {
	id := VirtID(len(b.vregs) + 1)
	b.vregs = append(b.vregs, VirtReg{ID: id, Class: class, Width: width})
	return id
}

// VReg 查询虚拟寄存器
func (b *Builder) VReg(id VirtID) (VirtReg, bool) {
	if id == 0 || int(id) > len(b.vregs) {
		return VirtReg{}, false
	}
	return b.vregs[id-1], true
}

// VRegCount 虚拟寄存器数量
func (b *Builder) VRegCount() int { return len(b.vregs) }

// ============================================================================
// 节点访问
// ============================================================================

// Node 解引用句柄
//
// 无效句柄返回 J0202，已删除节点返回 J0201。
func (b *Builder) Node(ref NodeRef) (*Node, error) {
	if ref <= 0 || int(ref) > len(b.nodes) {
		return nil, errs.Graphf(errs.J0202, "invalid node handle %d", ref)
	}
	n := b.nodes[ref-1]
	if n.Removed {
		return nil, errs.Graphf(errs.J0201, "node %d was removed", ref)
	}
	return n, nil
}

// First 第一个节点
func (b *Builder) First() NodeRef { return b.head }

// Last 最后一个节点
func (b *Builder) Last() NodeRef { return b.tail }

// NextOf 后继句柄（0 表示到尾）
func (b *Builder) NextOf(ref NodeRef) NodeRef {
	n, err := b.Node(ref)
	if err != nil {
		return 0
	}
	return n.Next
}

// PrevOf 前驱句柄
func (b *Builder) PrevOf(ref NodeRef) NodeRef {
	n, err := b.Node(ref)
	if err != nil {
		return 0
	}
	return n.Prev
}

// newNode 从 Zone 分配一个节点并登记句柄
func (b *Builder) newNode() (NodeRef, *Node, error) {
	n, err := zone.AllocType[Node](b.zone)
	if err != nil {
		return 0, nil, err
	}
	b.nodes = append(b.nodes, n)
	return NodeRef(len(b.nodes)), n, nil
}

// ============================================================================
// 链表编辑
// ============================================================================

// append 把已分配的节点接到链尾
func (b *Builder) appendRef(ref NodeRef, n *Node) {
	n.Prev = b.tail
	n.Next = 0
	if b.tail != 0 {
		b.nodes[b.tail-1].Next = ref
	} else {
		b.head = ref
	}
	b.tail = ref
}

// InsertAfter 把 ref 插到 after 之后
func (b *Builder) InsertAfter(ref, after NodeRef) error {
	n, err := b.Node(ref)
	if err != nil {
		return err
	}
	at, err := b.Node(after)
	if err != nil {
		return err
	}
	n.Prev = after
	n.Next = at.Next
	if at.Next != 0 {
		b.nodes[at.Next-1].Prev = ref
	} else {
		b.tail = ref
	}
	at.Next = ref
	return nil
}

// InsertBefore 把 ref 插到 before 之前
func (b *Builder) InsertBefore(ref, before NodeRef) error {
	n, err := b.Node(ref)
	if err != nil {
		return err
	}
	at, err := b.Node(before)
	if err != nil {
		return err
	}
	n.Next = before
	n.Prev = at.Prev
	if at.Prev != 0 {
		b.nodes[at.Prev-1].Next = ref
	} else {
		b.head = ref
	}
	at.Prev = ref
	return nil
}

// Remove 从序列中摘除节点
//
// 节点标记为已删除，之后对它的解引用返回 J0201。
// 标签按 id 引用，删除标签节点不会悬挂任何引用。
func (b *Builder) Remove(ref NodeRef) error {
	n, err := b.Node(ref)
	if err != nil {
		return err
	}
	if n.Prev != 0 {
		b.nodes[n.Prev-1].Next = n.Next
	} else {
		b.head = n.Next
	}
	if n.Next != 0 {
		b.nodes[n.Next-1].Prev = n.Prev
	} else {
		b.tail = n.Prev
	}
	n.Prev, n.Next = 0, 0
	n.Removed = true
	return nil
}

// ============================================================================
// 节点构造
// ============================================================================

// MakeInst 构造一条未链接的指令节点（供分配 pass 在中间插入）
func (b *Builder) MakeInst(inst Inst, ops ...Operand) (NodeRef, error) {
	if len(ops) > MaxOps {
		return 0, errs.Graphf(errs.J0202, "%s: too many operands (%d)", inst, len(ops))
	}
	ref, n, err := b.newNode()
	if err != nil {
		return 0, err
	}
	n.Kind = NodeInst
	n.Inst = inst
	n.OpCount = uint8(len(ops))
	copy(n.Ops[:], ops)
	return ref, nil
}

// Emit 追加一条指令
func (b *Builder) Emit(inst Inst, ops ...Operand) (NodeRef, error) {
	ref, err := b.MakeInst(inst, ops...)
	if err != nil {
		return 0, err
	}
	n, _ := b.Node(ref)
	b.appendRef(ref, n)
	return ref, nil
}

// Bind 追加一个标签绑定点
func (b *Builder) Bind(id code.LabelID) (NodeRef, error) {
	if id == 0 {
		return 0, errs.Graphf(errs.J0203, "bind of invalid label 0")
	}
	ref, n, err := b.newNode()
	if err != nil {
		return 0, err
	}
	n.Kind = NodeLabel
	n.Label = id
	b.appendRef(ref, n)
	return ref, nil
}

// AlignTo 追加一个对齐节点
func (b *Builder) AlignTo(align int32) (NodeRef, error) {
	if align <= 0 || align&(align-1) != 0 {
		return 0, errs.Graphf(errs.J0202, "alignment %d is not a power of two", align)
	}
	ref, n, err := b.newNode()
	if err != nil {
		return 0, err
	}
	n.Kind = NodeAlign
	n.Align = align
	b.appendRef(ref, n)
	return ref, nil
}

// FuncBegin 追加函数区域开始哨兵
func (b *Builder) FuncBegin(conv arch.CallConvKind) (NodeRef, error) {
	ref, n, err := b.newNode()
	if err != nil {
		return 0, err
	}
	n.Kind = NodeFuncBegin
	n.Conv = conv
	b.appendRef(ref, n)
	return ref, nil
}

// FuncEnd 追加函数区域结束哨兵
func (b *Builder) FuncEnd() (NodeRef, error) {
	ref, n, err := b.newNode()
	if err != nil {
		return 0, err
	}
	n.Kind = NodeFuncEnd
	b.appendRef(ref, n)
	return ref, nil
}

// AnnotateLivenessLocal 标注分支不触发保守活跃性延长
func (b *Builder) AnnotateLivenessLocal(ref NodeRef) error {
	n, err := b.Node(ref)
	if err != nil {
		return err
	}
	n.Flags |= NodeLivenessLocal
	return nil
}
