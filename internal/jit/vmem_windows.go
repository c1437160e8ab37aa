//go:build windows

// vmem_windows.go - 可执行内存 (Windows)

package jit

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

func mapRW(size int) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func mapRWX(size int) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func protectRX(mem []byte) error {
	var old uint32
	return windows.VirtualProtect(
		uintptr(unsafe.Pointer(&mem[0])), uintptr(len(mem)),
		windows.PAGE_EXECUTE_READ, &old)
}

func unmap(mem []byte) error {
	return windows.VirtualFree(uintptr(unsafe.Pointer(&mem[0])), 0, windows.MEM_RELEASE)
}

func pageSize() int {
	return os.Getpagesize()
}
