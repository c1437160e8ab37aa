// node.go - IR 节点
//
// 节点存放在 Zone 里，组件之间用稳定的整数句柄 NodeRef 相互引用，
// 不持有跨节点指针：删除一个节点不会留下悬挂引用，
// 标签永远按 id 引用而不是直接链接。

package ir

import (
	"github.com/tangzhangming/forge/internal/arch"
	"github.com/tangzhangming/forge/internal/code"
)

// NodeRef 节点句柄，0 表示无
type NodeRef int32

// NodeKind 节点类型
type NodeKind uint8

const (
	NodeInst      NodeKind = iota + 1 // 指令
	NodeLabel                         // 标签绑定点
	NodeAlign                         // 对齐
	NodeFuncBegin                     // 函数区域开始哨兵
	NodeFuncEnd                       // 函数区域结束哨兵
)

func (k NodeKind) String() string {
	switch k {
	case NodeInst:
		return "inst"
	case NodeLabel:
		return "label"
	case NodeAlign:
		return "align"
	case NodeFuncBegin:
		return "func-begin"
	case NodeFuncEnd:
		return "func-end"
	default:
		return "?"
	}
}

// NodeFlags 节点标志
type NodeFlags uint8

const (
	// NodeLivenessLocal 标注在分支上：该分支不触发保守活跃性延长
	NodeLivenessLocal NodeFlags = 1 << iota
)

// MaxOps 每条指令的操作数槽上限
const MaxOps = 4

// Node IR 节点
//
// 纯值类型，不含 Go 指针（Zone 存放的前提）。
type Node struct {
	Kind  NodeKind
	Flags NodeFlags

	Inst    Inst
	OpCount uint8
	Ops     [MaxOps]Operand

	Prev, Next NodeRef
	Pos        int32 // 线性程序位置，分配 pass 指派

	Label code.LabelID      // NodeLabel
	Align int32             // NodeAlign 的对齐字节数
	Conv  arch.CallConvKind // NodeFuncBegin 携带的调用约定

	Removed bool
}

// Operands 返回有效操作数切片
func (n *Node) Operands() []Operand {
	return n.Ops[:n.OpCount]
}
