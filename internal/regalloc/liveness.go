// liveness.go - 活跃区间计算
//
// 活跃性在最终的线性节点顺序上计算，不构建控制流图。
// 反向扫描一遍：值从定义活到重定义前的最后一次使用，
// 重定义开启一个新的不相交区间。
//
// 分支按保守规则处理：区域内存在未标注 NodeLivenessLocal 的分支时，
// 每个虚拟寄存器的最后一个区间延长到区域末尾。
// 这是有意的简化（与原始契约一致），不是疏漏。

package regalloc

import (
	"sort"

	"github.com/tangzhangming/forge/internal/arch"
	"github.com/tangzhangming/forge/internal/errs"
	"github.com/tangzhangming/forge/internal/ir"
)

// Interval 活跃区间
// 一个虚拟寄存器可以有多个互不相交的区间（重定义开启新区间）
type Interval struct {
	Virt  ir.VirtID
	Class arch.RegClass
	Width uint8

	Start int32 // 起始程序位置（定义点或区域入口）
	End   int32 // 最后一次可能读取的位置

	Uses []int32 // 读取位置，升序

	// 固定寄存器约束
	Pinned    bool
	PinnedReg uint8

	// 分配结果
	Reg       uint8
	Assigned  bool
	Spilled   bool
	SpillFrom int32 // 自该位置起值驻留栈槽
	Slot      int32 // 溢出槽编号，-1 表示未溢出
}

// NextUseAfter 返回 pos 之后（含 pos）的下一次使用位置
// 没有则返回一个超出区域的大位置
func (iv *Interval) NextUseAfter(pos int32) int32 {
	i := sort.Search(len(iv.Uses), func(i int) bool { return iv.Uses[i] >= pos })
	if i < len(iv.Uses) {
		return iv.Uses[i]
	}
	return iv.End + 1<<20
}

// region 一个函数区域
type region struct {
	begin, end ir.NodeRef
	conv       arch.CallConv

	beginPos, endPos int32
	posToRef         map[int32]ir.NodeRef
	rets             []ir.NodeRef // 区域内的 ret 节点
	hasBranch        bool         // 存在触发保守规则的分支

	intervals []*Interval              // 全部区间，按 Start 升序
	byVirt    map[ir.VirtID][]*Interval // 每个虚拟寄存器的区间，按 Start 升序

	// 显式物理寄存器操作数的出现点（类 -> 编号 -> 位置升序）。
	// 扫描阶段把这些位置当作单点占用：覆盖它们的普通区间
	// 不得拿到同一个物理寄存器
	physUses [arch.NumClasses]map[uint8][]int32
}

// recordPhysUse 登记一次显式物理寄存器出现
func (r *region) recordPhysUse(cl arch.RegClass, reg uint8, pos int32) {
	if r.physUses[cl] == nil {
		r.physUses[cl] = make(map[uint8][]int32)
	}
	r.physUses[cl][reg] = append(r.physUses[cl][reg], pos)
}

// physUsedIn 判断 [start,end] 内是否存在该物理寄存器的显式出现
func (r *region) physUsedIn(cl arch.RegClass, reg uint8, start, end int32) bool {
	for _, p := range r.physUses[cl][reg] {
		if start <= p && p <= end {
			return true
		}
	}
	return false
}

// operandEffect 单个操作数对活跃性的作用
type operandEffect struct {
	virt   ir.VirtID
	use    bool
	def    bool
	pinned bool
	pinReg uint8
}

// collectEffects 收集一条指令的全部虚拟寄存器作用
func collectEffects(n *ir.Node) []operandEffect {
	var out []operandEffect
	for i := range n.Operands() {
		op := &n.Ops[i]
		switch op.Kind {
		case ir.OpVirt:
			out = append(out, operandEffect{
				virt:   op.Virt,
				use:    op.IsUse(),
				def:    op.IsDef(),
				pinned: op.IsPinned(),
				pinReg: op.Reg,
			})
		case ir.OpMem:
			if op.BaseVirt != 0 {
				// 基址寄存器始终是读取
				out = append(out, operandEffect{virt: op.BaseVirt, use: true})
			}
		}
	}
	return out
}

// computeLiveness 为区域计算活跃区间
//
// 先给区域内每个节点指派线性位置，再反向扫描构建区间。
func (c *Context) computeLiveness(r *region) error {
	// 第一步：线性位置编号
	r.posToRef = make(map[int32]ir.NodeRef)
	pos := int32(0)
	for ref := r.begin; ; ref = c.b.NextOf(ref) {
		if ref == 0 {
			return errs.Graphf(errs.J0200, "function region not terminated")
		}
		n, err := c.b.Node(ref)
		if err != nil {
			return err
		}
		n.Pos = pos
		r.posToRef[pos] = ref
		if n.Kind == ir.NodeInst {
			if n.Inst == ir.InstRet {
				r.rets = append(r.rets, ref)
			}
			if n.Inst.IsBranch() && n.Flags&ir.NodeLivenessLocal == 0 {
				r.hasBranch = true
			}
			// 显式物理操作数（含物理基址）对分配器是硬占用
			for i := range n.Operands() {
				op := &n.Ops[i]
				switch op.Kind {
				case ir.OpPhys:
					r.recordPhysUse(op.Class, op.Reg, pos)
				case ir.OpMem:
					if op.BaseVirt == 0 {
						r.recordPhysUse(arch.ClassGP, op.Base, pos)
					}
				}
			}
		}
		if ref == r.end {
			r.endPos = pos
			break
		}
		pos++
	}
	r.beginPos = 0

	// 第二步：反向扫描
	open := make(map[ir.VirtID]*Interval)
	r.byVirt = make(map[ir.VirtID][]*Interval)

	closeInterval := func(iv *Interval) {
		r.intervals = append(r.intervals, iv)
		r.byVirt[iv.Virt] = append(r.byVirt[iv.Virt], iv)
	}

	for p := r.endPos; p >= r.beginPos; p-- {
		ref := r.posToRef[p]
		n, err := c.b.Node(ref)
		if err != nil {
			return err
		}
		if n.Kind != ir.NodeInst {
			continue
		}

		effects := collectEffects(n)

		// 单条指令内的固定寄存器冲突检查：
		// 两个不同虚拟寄存器钉在同一物理寄存器，或一类里被钉的
		// 寄存器需求超过该类物理数量，都无法满足
		if err := checkPinnedOverload(c.b, n, effects, c.info); err != nil {
			return err
		}

		// 先处理纯定义：关闭当前打开的区间。
		// 读改写操作数（use+def）不在这里分割：两地址指令的
		// 新旧值必须占同一寄存器，区间保持打开继续延伸。
		for _, e := range effects {
			if !e.def || e.use {
				continue
			}
			iv := open[e.virt]
			if iv == nil {
				// 死定义：值从未被后续读取
				iv = c.newInterval(e.virt, p, p)
			} else {
				iv.Start = p
				delete(open, e.virt)
			}
			if e.pinned {
				if err := pinInterval(iv, e.pinReg); err != nil {
					return err
				}
			}
			closeInterval(iv)
		}

		// 再处理读取（含读改写）：开启或延伸区间
		for _, e := range effects {
			if !e.use {
				continue
			}
			iv := open[e.virt]
			if iv == nil {
				iv = c.newInterval(e.virt, r.beginPos, p)
				open[e.virt] = iv
			}
			iv.Uses = append(iv.Uses, p)
			if e.pinned {
				if err := pinInterval(iv, e.pinReg); err != nil {
					return err
				}
			}
		}
	}

	// 区域入口仍打开的区间是活入值（如钉住的参数）：从入口开始
	for _, iv := range open {
		iv.Start = r.beginPos
		closeInterval(iv)
	}

	// 反向扫描产生的使用表是降序的，翻转
	for _, iv := range r.intervals {
		for i, j := 0, len(iv.Uses)-1; i < j; i, j = i+1, j-1 {
			iv.Uses[i], iv.Uses[j] = iv.Uses[j], iv.Uses[i]
		}
	}

	// 保守分支规则
	if r.hasBranch {
		for _, ivs := range r.byVirt {
			last := ivs[0]
			for _, iv := range ivs {
				if iv.Start > last.Start {
					last = iv
				}
			}
			if last.End < r.endPos {
				last.End = r.endPos
			}
		}
	}

	// 按起始位置升序；同位置定义先于读取不影响排序稳定性
	sort.SliceStable(r.intervals, func(i, j int) bool {
		return r.intervals[i].Start < r.intervals[j].Start
	})
	for _, ivs := range r.byVirt {
		sort.SliceStable(ivs, func(i, j int) bool { return ivs[i].Start < ivs[j].Start })
	}
	return nil
}

// newInterval 创建区间并带上寄存器类信息
func (c *Context) newInterval(v ir.VirtID, start, end int32) *Interval {
	vr, _ := c.b.VReg(v)
	return &Interval{
		Virt:  v,
		Class: vr.Class,
		Width: vr.Width,
		Start: start,
		End:   end,
		Slot:  -1,
	}
}

// pinInterval 给区间施加固定寄存器约束
// 同一区间被钉到两个不同寄存器无法满足
func pinInterval(iv *Interval, reg uint8) error {
	if iv.Pinned && iv.PinnedReg != reg {
		return errs.Allocf(errs.J0301,
			"vreg %d pinned to two different registers (%d and %d) in one live range",
			iv.Virt, iv.PinnedReg, reg)
	}
	iv.Pinned = true
	iv.PinnedReg = reg
	return nil
}

// checkPinnedOverload 检查单条指令的固定寄存器需求是否可满足
func checkPinnedOverload(b *ir.Builder, n *ir.Node, effects []operandEffect, info *arch.Info) error {
	seen := make(map[ir.VirtID]bool)
	taken := [arch.NumClasses]map[uint8]ir.VirtID{}
	count := [arch.NumClasses]int{}

	for _, e := range effects {
		if !e.pinned || seen[e.virt] {
			continue
		}
		seen[e.virt] = true
		vr, ok := b.VReg(e.virt)
		if !ok {
			return errs.Graphf(errs.J0202, "operand references unknown vreg %d", e.virt)
		}
		cl := vr.Class
		if taken[cl] == nil {
			taken[cl] = make(map[uint8]ir.VirtID)
		}
		if other, dup := taken[cl][e.pinReg]; dup && other != e.virt {
			return errs.Allocf(errs.J0301,
				"%s at pos %d: vregs %d and %d both pinned to %s",
				n.Inst, n.Pos, other, e.virt, arch.RegName(info.Arch, cl, e.pinReg))
		}
		taken[cl][e.pinReg] = e.virt
		count[cl]++
		if count[cl] > info.RegCount[cl] {
			return errs.Allocf(errs.J0301,
				"%s at pos %d: %d pinned %s registers requested, only %d exist",
				n.Inst, n.Pos, count[cl], cl, info.RegCount[cl])
		}
	}
	return nil
}
