//go:build unix

// vmem_unix.go - 可执行内存 (Unix)
//
// 缺省流程遵守 W^X：匿名映射先拿读写页，镜像拷入后
// mprotect 收掉写权限换执行权限。AllowRWX 打开时一步到位，
// 只给没有二次改保护能力的环境用。

package jit

import (
	"golang.org/x/sys/unix"
)

// mapRW 映射一段可读写内存
func mapRW(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}

// mapRWX 映射一段可读写可执行内存（AllowRWX 模式）
func mapRWX(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}

// protectRX 把映射改成只读可执行
func protectRX(mem []byte) error {
	return unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC)
}

// unmap 释放映射
func unmap(mem []byte) error {
	return unix.Munmap(mem)
}

func pageSize() int {
	return unix.Getpagesize()
}
