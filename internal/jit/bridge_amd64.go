//go:build amd64

// bridge_amd64.go - AMD64 本机代码调用桥
//
// 生成的代码走 System V 整数参数序（RDI/RSI/RDX/RCX），
// 跳板用 Go 汇编实现，见 call_amd64.s。

package jit

// callNative0 调用无参数的本机函数
func callNative0(fn uintptr) int64

// callNative1 调用单参数的本机函数
func callNative1(fn uintptr, a0 int64) int64

// callNative2 调用双参数的本机函数
func callNative2(fn uintptr, a0, a1 int64) int64

// callNative3 调用三参数的本机函数
func callNative3(fn uintptr, a0, a1, a2 int64) int64

// callNative4 调用四参数的本机函数
func callNative4(fn uintptr, a0, a1, a2, a3 int64) int64

// CallNative 调用已装载的本机代码
// 最多支持 4 个整数/指针参数，超出返回 false
func CallNative(fn uintptr, args ...int64) (int64, bool) {
	if fn == 0 {
		return 0, false
	}
	switch len(args) {
	case 0:
		return callNative0(fn), true
	case 1:
		return callNative1(fn, args[0]), true
	case 2:
		return callNative2(fn, args[0], args[1]), true
	case 3:
		return callNative3(fn, args[0], args[1], args[2]), true
	case 4:
		return callNative4(fn, args[0], args[1], args[2], args[3]), true
	default:
		return 0, false
	}
}
