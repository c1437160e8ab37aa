//go:build !amd64

// bridge_other.go - 其他架构暂无调用桥

package jit

// CallNative 在不支持的架构上总是失败
func CallNative(fn uintptr, args ...int64) (int64, bool) {
	return 0, false
}
