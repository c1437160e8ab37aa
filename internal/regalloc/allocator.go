// allocator.go - 线性扫描寄存器分配
//
// 流程：区域发现 -> 活跃区间 -> 固定寄存器预占 -> 线性扫描 ->
// 溢出代码与操作数重写 -> 帧合成。
// 全部在节点链表上原地完成，分配后图中不再含虚拟寄存器。

package regalloc

import (
	"sort"

	"go.uber.org/zap"

	"github.com/tangzhangming/forge/internal/arch"
	"github.com/tangzhangming/forge/internal/errs"
	"github.com/tangzhangming/forge/internal/ir"
)

// Context 一次分配过程的上下文
// 绑定一个节点图和一个目标架构描述，Run 之后图被改写为纯物理形式
type Context struct {
	b    *ir.Builder
	info *arch.Info
	log  *zap.Logger
}

// FuncAllocation 单个函数区域的分配结果
type FuncAllocation struct {
	Begin ir.NodeRef
	End   ir.NodeRef
	Conv  arch.CallConvKind

	Intervals []*Interval
	Frame     FrameLayout

	Spills  int // 插入的溢出存储条数
	Reloads int // 插入的重载条数
}

// Allocation 整次 Run 的结果，按区域出现顺序排列
type Allocation struct {
	Funcs []FuncAllocation
}

// RegOf 查询虚拟寄存器在其第一个区间的物理寄存器
// 该区间被溢出时第二个返回值为 false
func (fa *FuncAllocation) RegOf(v ir.VirtID) (uint8, bool) {
	for _, iv := range fa.Intervals {
		if iv.Virt == v {
			if iv.Spilled && iv.SpillFrom <= iv.Start {
				return 0, false
			}
			return iv.Reg, iv.Assigned
		}
	}
	return 0, false
}

// SpillCount 统计被溢出的区间数
func (fa *FuncAllocation) SpillCount() int {
	n := 0
	for _, iv := range fa.Intervals {
		if iv.Spilled {
			n++
		}
	}
	return n
}

func NewContext(b *ir.Builder, info *arch.Info) *Context {
	return &Context{b: b, info: info, log: zap.NewNop()}
}

func (c *Context) SetLogger(l *zap.Logger) {
	if l != nil {
		c.log = l
	}
}

// Run 对图中每个函数区域执行寄存器分配
func (c *Context) Run() (*Allocation, error) {
	regions, err := c.findRegions()
	if err != nil {
		return nil, err
	}
	out := &Allocation{}
	for _, r := range regions {
		fa, err := c.allocateRegion(r)
		if err != nil {
			return nil, err
		}
		out.Funcs = append(out.Funcs, *fa)
	}
	return out, nil
}

// findRegions 扫描链表配对函数边界
// 嵌套或失配的边界标记是图构造错误
func (c *Context) findRegions() ([]*region, error) {
	var regions []*region
	var open *region
	for ref := c.b.First(); ref != 0; {
		n, err := c.b.Node(ref)
		if err != nil {
			return nil, err
		}
		switch n.Kind {
		case ir.NodeFuncBegin:
			if open != nil {
				return nil, errs.Graphf(errs.J0200, "nested function begin")
			}
			conv, err := arch.ByKind(n.Conv)
			if err != nil {
				return nil, err
			}
			open = &region{begin: ref, conv: conv}
		case ir.NodeFuncEnd:
			if open == nil {
				return nil, errs.Graphf(errs.J0200, "function end without begin")
			}
			open.end = ref
			regions = append(regions, open)
			open = nil
		}
		ref = c.b.NextOf(ref)
	}
	if open != nil {
		return nil, errs.Graphf(errs.J0200, "function begin without end")
	}
	return regions, nil
}

// spillStore 延迟到重写阶段才物化的逐出存储
type spillStore struct {
	pos int32 // 插入点：该位置节点之前
	iv  *Interval
}

// allocateRegion 对单个区域完成整条流水线
func (c *Context) allocateRegion(r *region) (*FuncAllocation, error) {
	if err := c.computeLiveness(r); err != nil {
		return nil, err
	}

	stores, slots, err := c.scan(r)
	if err != nil {
		return nil, err
	}

	fa := &FuncAllocation{
		Begin:     r.begin,
		End:       r.end,
		Conv:      r.conv.Kind,
		Intervals: r.intervals,
		Spills:    len(stores),
	}

	frame, err := c.layoutFrame(r, slots)
	if err != nil {
		return nil, err
	}
	fa.Frame = *frame

	reloads, err := c.rewrite(r, frame, stores)
	if err != nil {
		return nil, err
	}
	fa.Reloads = reloads
	fa.Spills += countDefStores(r)

	if err := c.emitPrologEpilog(r, frame); err != nil {
		return nil, err
	}

	c.log.Debug("region allocated",
		zap.Int("intervals", len(r.intervals)),
		zap.Int("spills", fa.Spills),
		zap.Int32("frame_size", frame.StackSize))
	return fa, nil
}

// countDefStores 统计溢出区间里需要随定义写回的条数
func countDefStores(r *region) int {
	n := 0
	for _, iv := range r.intervals {
		if iv.Spilled && iv.SpillFrom <= iv.Start {
			n++
		}
	}
	return n
}

// scan 线性扫描主循环
//
// 区间按起始位置升序处理。固定寄存器区间预先占位：普通区间挑选
// 空闲寄存器时跳过与任何固定区间重叠的寄存器，保证钉住的约束
// 永远先得到满足。指令里显式写出的物理寄存器（及物理基址）同样
// 被避让，覆盖其出现点的区间拿不到同一编号。无寄存器可用时在
// 候选里逐出下一次使用最远的区间；当前区间自身最远时直接溢出自己。
func (c *Context) scan(r *region) ([]spillStore, *slotTable, error) {
	// 固定寄存器时间线，用于普通区间避让
	type pinSpan struct{ start, end int32 }
	pins := [arch.NumClasses]map[uint8][]pinSpan{}
	for cl := 0; cl < int(arch.NumClasses); cl++ {
		pins[cl] = make(map[uint8][]pinSpan)
	}
	for _, iv := range r.intervals {
		if !iv.Pinned {
			continue
		}
		if iv.Class == arch.ClassVec && r.conv.IsCalleeSavedVec(iv.PinnedReg) {
			return nil, nil, errs.Allocf(errs.J0301,
				"vreg %d pinned to %s, a callee-saved vector register this convention cannot preserve",
				iv.Virt, arch.RegName(c.info.Arch, iv.Class, iv.PinnedReg))
		}
		for _, sp := range pins[iv.Class][iv.PinnedReg] {
			if iv.Start <= sp.end && sp.start <= iv.End {
				return nil, nil, errs.Allocf(errs.J0301,
					"two values pinned to %s with overlapping ranges [%d,%d] and [%d,%d]",
					arch.RegName(c.info.Arch, iv.Class, iv.PinnedReg),
					sp.start, sp.end, iv.Start, iv.End)
			}
		}
		pins[iv.Class][iv.PinnedReg] = append(pins[iv.Class][iv.PinnedReg],
			pinSpan{iv.Start, iv.End})
		iv.Reg = iv.PinnedReg
		iv.Assigned = true
	}

	pinOverlaps := func(cl arch.RegClass, reg uint8, iv *Interval) bool {
		for _, sp := range pins[cl][reg] {
			if iv.Start <= sp.end && sp.start <= iv.End {
				return true
			}
		}
		return false
	}

	// 钉住的区间之外，显式物理操作数也占用寄存器：覆盖其出现点的
	// 普通区间不能拿同一编号。钉住的区间不受此限制，那种重叠往往
	// 是合法的同寄存器搬移（如把钉在 rdi 的参数从 rdi 读出来）
	avoid := func(cl arch.RegClass, reg uint8, iv *Interval) bool {
		// 帧合成不保存向量寄存器，被调用者保存的向量寄存器
		// （Win64 的 xmm6-xmm15）整体不参与分配
		if cl == arch.ClassVec && r.conv.IsCalleeSavedVec(reg) {
			return true
		}
		return pinOverlaps(cl, reg, iv) || r.physUsedIn(cl, reg, iv.Start, iv.End)
	}

	var active []*Interval
	var stores []spillStore
	slots := newSlotTable()

	expire := func(pos int32) {
		kept := active[:0]
		for _, a := range active {
			if a.End > pos {
				kept = append(kept, a)
			}
		}
		active = kept
	}

	inUse := func(cl arch.RegClass, reg uint8) bool {
		for _, a := range active {
			if a.Class == cl && a.Reg == reg {
				return true
			}
		}
		return false
	}

	for _, iv := range r.intervals {
		expire(iv.Start)

		if iv.Pinned {
			// 预占已完成，只需进入活跃表
			active = append(active, iv)
			continue
		}

		// 先找空闲寄存器，按架构给定的分配顺序
		found := false
		for _, reg := range c.info.Allocatable[iv.Class] {
			if inUse(iv.Class, reg) || avoid(iv.Class, reg, iv) {
				continue
			}
			iv.Reg = reg
			iv.Assigned = true
			active = append(active, iv)
			found = true
			break
		}
		if found {
			continue
		}

		// 逐出：候选是同类的非固定活跃区间，且其寄存器对当前
		// 区间没有固定时间线冲突。选下一次使用最远者；并列时
		// 先比区间终点更大者，再比物理编号更小者。
		var victim *Interval
		for _, a := range active {
			if a.Class != iv.Class || a.Pinned {
				continue
			}
			if avoid(iv.Class, a.Reg, iv) {
				continue
			}
			if victim == nil || preferVictim(a, victim, iv.Start) {
				victim = a
			}
		}

		if victim != nil && victim.NextUseAfter(iv.Start) > iv.NextUseAfter(iv.Start) {
			// 逐出别人：其值此刻仍在寄存器，先写回栈槽
			victim.Spilled = true
			victim.SpillFrom = iv.Start
			victim.Slot = slots.alloc(victim.Class, victim.Width)
			stores = append(stores, spillStore{pos: iv.Start, iv: victim})
			iv.Reg = victim.Reg
			iv.Assigned = true
			// 从活跃表移除受害者
			for i, a := range active {
				if a == victim {
					active = append(active[:i], active[i+1:]...)
					break
				}
			}
			active = append(active, iv)
		} else {
			// 自身下一次使用最远：直接溢出当前区间
			iv.Spilled = true
			iv.SpillFrom = iv.Start
			iv.Slot = slots.alloc(iv.Class, iv.Width)
		}
	}

	sort.SliceStable(stores, func(i, j int) bool { return stores[i].pos < stores[j].pos })
	return stores, slots, nil
}

// preferVictim 判断 a 是否比 cur 更适合被逐出
// 次序：下一次使用更远者优先；并列时区间终点更大者优先；
// 再并列时物理编号更小者优先。该次序是对外承诺的一部分。
func preferVictim(a, cur *Interval, pos int32) bool {
	an, cn := a.NextUseAfter(pos), cur.NextUseAfter(pos)
	if an != cn {
		return an > cn
	}
	if a.End != cur.End {
		return a.End > cur.End
	}
	return a.Reg < cur.Reg
}

// slotTable 溢出槽分配
// 槽宽按值宽度取 8 或 16 字节，16 字节槽自然对齐
type slotTable struct {
	size    int32
	offsets []int32 // 槽编号 -> 相对溢出区起点的偏移
	widths  []int32
}

func newSlotTable() *slotTable { return &slotTable{} }

func (t *slotTable) alloc(cl arch.RegClass, width uint8) int32 {
	w := int32(8)
	if cl == arch.ClassVec || width > 8 {
		w = 16
	}
	off := (t.size + w - 1) &^ (w - 1)
	t.size = off + w
	t.offsets = append(t.offsets, off)
	t.widths = append(t.widths, w)
	return int32(len(t.offsets) - 1)
}

// intervalAt 找到覆盖 pos 的该虚拟寄存器区间
func (r *region) intervalAt(v ir.VirtID, pos int32) *Interval {
	for _, iv := range r.byVirt[v] {
		if iv.Start <= pos && pos <= iv.End {
			return iv
		}
	}
	return nil
}

// rewrite 把虚拟操作数改写为物理形式并物化溢出代码
//
// 溢出值的读取优先直接改写成内存操作数（每条指令最多一个），
// 其余通过保留的洗牌寄存器走 载入/回存。返回插入的重载条数。
func (c *Context) rewrite(r *region, frame *FrameLayout, stores []spillStore) (int, error) {
	reloads := 0
	si := 0

	for ref := r.begin; ref != 0; {
		n, err := c.b.Node(ref)
		if err != nil {
			return 0, err
		}
		next := c.b.NextOf(ref)
		if n.Kind != ir.NodeInst {
			if ref == r.end {
				break
			}
			ref = next
			continue
		}
		pos := n.Pos

		// 在本节点之前物化排到这里的逐出存储
		for si < len(stores) && stores[si].pos <= pos {
			st := stores[si]
			si++
			if _, err := c.insertStore(ref, st.iv, frame, true); err != nil {
				return 0, err
			}
		}

		memUsed := hasMemOperand(n)
		var defStores []*Interval

		for i := 0; i < int(n.OpCount); i++ {
			op := &n.Ops[i]
			switch op.Kind {
			case ir.OpVirt:
				iv := r.intervalAt(op.Virt, pos)
				if iv == nil {
					return 0, errs.Allocf(errs.J0303,
						"vreg %d has no live interval at pos %d", op.Virt, pos)
				}
				if !iv.Spilled || pos < iv.SpillFrom {
					// 寄存器驻留
					op.Kind = ir.OpPhys
					op.Reg = iv.Reg
					op.Class = iv.Class
					op.Virt = 0
					continue
				}
				// 栈驻留
				disp := frame.SlotDisp(iv.Slot)
				if op.IsUse() && !op.IsDef() && !memUsed {
					op.Kind = ir.OpMem
					op.Base = c.info.FrameReg
					op.BaseVirt = 0
					op.Disp = disp
					op.Virt = 0
					memUsed = true
					continue
				}
				// 走洗牌寄存器
				scratch := c.info.Scratch[iv.Class]
				if op.IsUse() {
					if err := c.insertReload(ref, iv, frame); err != nil {
						return 0, err
					}
					reloads++
				}
				op.Kind = ir.OpPhys
				op.Reg = scratch
				op.Class = iv.Class
				op.Virt = 0
				if op.IsDef() {
					defStores = append(defStores, iv)
				}
			case ir.OpMem:
				if op.BaseVirt == 0 {
					memUsed = true
					continue
				}
				iv := r.intervalAt(op.BaseVirt, pos)
				if iv == nil {
					return 0, errs.Allocf(errs.J0303,
						"vreg %d has no live interval at pos %d", op.BaseVirt, pos)
				}
				if iv.Spilled && pos >= iv.SpillFrom {
					// 基址在栈上：先装进洗牌寄存器
					if err := c.insertReload(ref, iv, frame); err != nil {
						return 0, err
					}
					reloads++
					op.Base = c.info.Scratch[arch.ClassGP]
				} else {
					op.Base = iv.Reg
				}
				op.BaseVirt = 0
				memUsed = true
			}
		}

		// 定义写入洗牌寄存器的，指令之后回存栈槽
		after := ref
		for _, iv := range defStores {
			var err error
			after, err = c.insertStore(after, iv, frame, false)
			if err != nil {
				return 0, err
			}
		}

		if ref == r.end {
			break
		}
		ref = next
	}
	return reloads, nil
}

// hasMemOperand 指令是否已含内存操作数
func hasMemOperand(n *ir.Node) bool {
	for i := 0; i < int(n.OpCount); i++ {
		if n.Ops[i].Kind == ir.OpMem {
			return true
		}
	}
	return false
}

// insertStore 插入一条寄存器到栈槽的存储
// before 为真时在 ref 之前插入，源是区间原先分配的寄存器（逐出点）；
// 否则在 ref 之后插入，源是该类的洗牌寄存器（定义回存）。
// 返回新节点引用。
func (c *Context) insertStore(ref ir.NodeRef, iv *Interval, frame *FrameLayout, before bool) (ir.NodeRef, error) {
	src := iv.Reg
	if !before {
		src = c.info.Scratch[iv.Class]
	}
	inst := ir.InstMov
	if iv.Class == arch.ClassVec {
		inst = ir.InstMovups
	}
	st, err := c.b.MakeInst(inst,
		ir.Mem(c.info.FrameReg, frame.SlotDisp(iv.Slot), ir.FlagDef),
		ir.Phys(iv.Class, src, ir.FlagUse))
	if err != nil {
		return 0, err
	}
	if before {
		return st, c.b.InsertBefore(st, ref)
	}
	return st, c.b.InsertAfter(st, ref)
}

// insertReload 在 ref 之前插入栈槽到洗牌寄存器的载入
func (c *Context) insertReload(ref ir.NodeRef, iv *Interval, frame *FrameLayout) error {
	inst := ir.InstMov
	if iv.Class == arch.ClassVec {
		inst = ir.InstMovups
	}
	ld, err := c.b.MakeInst(inst,
		ir.Phys(iv.Class, c.info.Scratch[iv.Class], ir.FlagDef),
		ir.Mem(c.info.FrameReg, frame.SlotDisp(iv.Slot), ir.FlagUse))
	if err != nil {
		return err
	}
	return c.b.InsertBefore(ld, ref)
}
