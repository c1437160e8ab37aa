// runtime.go - 可执行镜像池
//
// Runtime 管理已装载的机器码镜像：映射、去重、引用计数与回收。
// 去重按镜像内容的 BLAKE2b 哈希，同一份代码装载多次只占一份页。
//
// 锁策略：池表一把互斥锁，计数器走原子量，Stats 不拿锁。

package jit

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/segmentio/encoding/json"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/tangzhangming/forge/internal/code"
	"github.com/tangzhangming/forge/internal/errs"
)

// segmentAddr 映射的起始地址
func segmentAddr(mem []byte) uintptr {
	return uintptr(unsafe.Pointer(&mem[0]))
}

// segment 一份已装载的镜像
type segment struct {
	addr uintptr
	mem  []byte
	hash [32]byte
	refs int
}

// Runtime 可执行镜像池
type Runtime struct {
	cfg *Config
	log *zap.Logger

	mu      sync.Mutex
	byHash  map[[32]byte]*segment
	byAddr  map[uintptr]*segment
	retired map[uintptr]bool // 已整体释放过的入口，用于区分重复释放和未知入口

	added     atomic.Uint64
	released  atomic.Uint64
	cacheHits atomic.Uint64
	mapped    atomic.Uint64 // 当前映射的字节数
}

// Stats 池运行统计
type Stats struct {
	Segments  int    `json:"segments"`
	Added     uint64 `json:"added"`
	Released  uint64 `json:"released"`
	CacheHits uint64 `json:"cache_hits"`
	Mapped    uint64 `json:"mapped_bytes"`
}

// NewRuntime 创建镜像池
// cfg 为 nil 时用默认配置
func NewRuntime(cfg *Config) *Runtime {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	log, err := cfg.Logger()
	if err != nil {
		log = zap.NewNop()
	}
	return &Runtime{
		cfg:     cfg,
		log:     log,
		byHash:  make(map[[32]byte]*segment),
		byAddr:  make(map[uintptr]*segment),
		retired: make(map[uintptr]bool),
	}
}

func (r *Runtime) SetLogger(l *zap.Logger) {
	if l != nil {
		r.log = l
	}
}

// Add 装载一个持有器的最终镜像，返回入口地址
//
// 持有器必须已完成重定位。绝对重定位在这里按真实基址二次回填，
// 然后页保护收紧为只读可执行（除非配置允许 RWX）。
func (r *Runtime) Add(h *code.Holder) (uintptr, error) {
	if !h.Relocated() {
		return 0, errs.Runtimef(errs.J0503, "image has pending relocations")
	}
	img, err := h.Flatten()
	if err != nil {
		return 0, err
	}
	if len(img) == 0 {
		return 0, errs.Runtimef(errs.J0500, "image is empty")
	}
	hash := blake2b.Sum256(img)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.CacheEnabled {
		if seg, ok := r.byHash[hash]; ok {
			seg.refs++
			r.cacheHits.Inc()
			return seg.addr, nil
		}
	}

	// 页对齐映射
	ps := pageSize()
	size := (len(img) + ps - 1) &^ (ps - 1)
	var mem []byte
	if r.cfg.AllowRWX {
		mem, err = mapRWX(size)
	} else {
		mem, err = mapRW(size)
	}
	if err != nil {
		return 0, errs.Runtimef(errs.J0500, "cannot map %d bytes: %v", size, err)
	}
	copy(mem, img)

	// 绝对重定位此前只填了镜像内偏移，现在加上真实基址
	base := segmentAddr(mem)
	for _, off := range h.AbsRelocations() {
		v := binary.LittleEndian.Uint64(mem[off:])
		binary.LittleEndian.PutUint64(mem[off:], v+uint64(base))
	}

	if !r.cfg.AllowRWX {
		if err := protectRX(mem); err != nil {
			_ = unmap(mem)
			return 0, errs.Runtimef(errs.J0500, "cannot protect mapping: %v", err)
		}
	}
	flushICache(mem)

	seg := &segment{addr: base, mem: mem, hash: hash, refs: 1}
	if r.cfg.CacheEnabled {
		r.byHash[hash] = seg
	}
	r.byAddr[base] = seg
	delete(r.retired, base)
	r.added.Inc()
	r.mapped.Add(uint64(size))

	r.log.Debug("image mapped",
		zap.Uintptr("addr", base),
		zap.Int("size", size))
	return base, nil
}

// Release 释放一次对入口的引用
// 引用计数归零时解除映射
func (r *Runtime) Release(addr uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seg, ok := r.byAddr[addr]
	if !ok {
		if r.retired[addr] {
			return errs.Runtimef(errs.J0501, "entry %#x released twice", addr)
		}
		return errs.Runtimef(errs.J0502, "unknown entry %#x", addr)
	}
	seg.refs--
	r.released.Inc()
	if seg.refs > 0 {
		return nil
	}

	delete(r.byAddr, addr)
	delete(r.byHash, seg.hash)
	r.retired[addr] = true
	r.mapped.Sub(uint64(len(seg.mem)))
	if err := unmap(seg.mem); err != nil {
		return errs.Runtimef(errs.J0500, "cannot unmap entry %#x: %v", addr, err)
	}
	return nil
}

// Stats 当前统计快照
func (r *Runtime) Stats() Stats {
	r.mu.Lock()
	n := len(r.byAddr)
	r.mu.Unlock()
	return Stats{
		Segments:  n,
		Added:     r.added.Load(),
		Released:  r.released.Load(),
		CacheHits: r.cacheHits.Load(),
		Mapped:    r.mapped.Load(),
	}
}

// SegmentInfo 单个已装载镜像的元数据
type SegmentInfo struct {
	Addr string `json:"addr"`
	Size int    `json:"size"`
	Hash string `json:"hash"`
	Refs int    `json:"refs"`
}

// MarshalDebug 导出池内全部镜像的元数据 JSON，供诊断工具消费
func (r *Runtime) MarshalDebug() ([]byte, error) {
	r.mu.Lock()
	infos := make([]SegmentInfo, 0, len(r.byAddr))
	for addr, seg := range r.byAddr {
		infos = append(infos, SegmentInfo{
			Addr: fmt.Sprintf("%#x", addr),
			Size: len(seg.mem),
			Hash: hex.EncodeToString(seg.hash[:8]),
			Refs: seg.refs,
		})
	}
	r.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Addr < infos[j].Addr })
	return json.Marshal(infos)
}

// Close 释放全部镜像
// 逐段解除映射，失败的段聚在一个错误里返回
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	for addr, seg := range r.byAddr {
		err = multierr.Append(err, unmap(seg.mem))
		delete(r.byAddr, addr)
		delete(r.byHash, seg.hash)
		r.retired[addr] = true
	}
	r.mapped.Store(0)
	return err
}
