// icache.go - 指令缓存同步

package jit

// flushICache 在写入机器码后同步指令缓存
// x86-64 的指令缓存对同核写入是一致的，这里不需要动作；
// 真要支持 arm64 执行时必须补上 IC IVAU/ISB 序列
func flushICache(mem []byte) {
	_ = mem
}
