// Package errs 提供 forge 代码生成后端的错误分类系统
package errs

// ============================================================================
// 错误类别
// ============================================================================

// Category 错误类别
// 每个错误都归属于一个类别，调用方可以按类别处理失败
type Category int

const (
	CatConfiguration Category = iota // 初始化 / 配置错误
	CatGraph                         // IR 图结构错误
	CatAllocation                    // 寄存器分配 / 内存分配错误
	CatEncoding                      // 指令编码错误
	CatRuntime                       // 可执行内存运行时错误
)

func (c Category) String() string {
	switch c {
	case CatConfiguration:
		return "configuration"
	case CatGraph:
		return "graph"
	case CatAllocation:
		return "allocation"
	case CatEncoding:
		return "encoding"
	case CatRuntime:
		return "runtime"
	default:
		return "unknown"
	}
}

// ============================================================================
// 错误码 (J 开头)
// ============================================================================

// 错误码常量
const (
	// J0100-J0199: 配置错误
	J0100 = "J0100" // 不支持的目标架构
	J0101 = "J0101" // CodeHolder 重复初始化
	J0102 = "J0102" // CodeHolder 未初始化
	J0103 = "J0103" // 段已附加写入者
	J0104 = "J0104" // 配置文件无效

	// J0200-J0299: 图结构错误
	J0200 = "J0200" // 函数边界不匹配（FuncBegin/FuncEnd 不成对）
	J0201 = "J0201" // 引用了已删除的节点
	J0202 = "J0202" // 无效的节点句柄
	J0203 = "J0203" // 无效的标签 id
	J0204 = "J0204" // 标签重复绑定

	// J0300-J0399: 分配错误
	J0300 = "J0300" // 标签未绑定
	J0301 = "J0301" // 固定寄存器约束无法满足
	J0302 = "J0302" // Zone 内存耗尽
	J0303 = "J0303" // 虚拟寄存器在序列化前未被指派

	// J0400-J0499: 编码错误
	J0400 = "J0400" // 目标不支持的操作数组合
	J0401 = "J0401" // 缺少目标架构的编码表
	J0402 = "J0402" // 立即数超出编码范围

	// J0500-J0599: 运行时错误
	J0500 = "J0500" // 内存映射失败
	J0501 = "J0501" // 重复释放
	J0502 = "J0502" // 未知的入口地址
	J0503 = "J0503" // 重定位未完成即提交
)
