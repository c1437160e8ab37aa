package jit

import (
	"errors"
	"fmt"
	stdruntime "runtime"
	"strings"
	"sync"
	"testing"

	"github.com/segmentio/encoding/json"

	"github.com/tangzhangming/forge/internal/arch"
	"github.com/tangzhangming/forge/internal/code"
	"github.com/tangzhangming/forge/internal/cpufeat"
	"github.com/tangzhangming/forge/internal/errs"
)

func skipIfNoExec(t *testing.T) {
	t.Helper()
	if stdruntime.GOARCH != "amd64" || stdruntime.GOOS == "windows" {
		t.Skipf("native execution tests need unix amd64, have %s/%s",
			stdruntime.GOOS, stdruntime.GOARCH)
	}
}

// newImageHolder 构造一个返回固定值的最小镜像：mov rax, v; ret
func newImageHolder(t *testing.T, v int32) *code.Holder {
	t.Helper()
	info, err := arch.Lookup(arch.X64, cpufeat.Baseline())
	if err != nil {
		t.Fatal(err)
	}
	h := code.NewHolder()
	if err := h.Init(info); err != nil {
		t.Fatal(err)
	}
	sec := h.Text()
	sec.Append(0x48, 0xC7, 0xC0, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	sec.Append(0xC3)
	return h
}

func TestAddAndCall(t *testing.T) {
	skipIfNoExec(t)
	rt := NewRuntime(nil)
	defer rt.Close()

	entry, err := rt.Add(newImageHolder(t, 42))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, ok := CallNative(entry)
	if !ok || got != 42 {
		t.Fatalf("CallNative = %d (ok=%v), want 42", got, ok)
	}
	if err := rt.Release(entry); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestReleaseErrors(t *testing.T) {
	skipIfNoExec(t)
	rt := NewRuntime(nil)
	defer rt.Close()

	entry, err := rt.Add(newImageHolder(t, 1))
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Release(entry); err != nil {
		t.Fatal(err)
	}
	// 整段已回收后再释放
	if err := rt.Release(entry); !errors.Is(err, errs.ErrRuntime) || errs.CodeOf(err) != errs.J0501 {
		t.Fatalf("expected J0501 on double release, got %v", err)
	}
	// 从未出现过的入口
	if err := rt.Release(uintptr(0x1234)); errs.CodeOf(err) != errs.J0502 {
		t.Fatalf("expected J0502 on unknown entry, got %v", err)
	}
}

// 相同镜像只映射一份，引用计数管生命期
func TestDedupCache(t *testing.T) {
	skipIfNoExec(t)
	rt := NewRuntime(nil)
	defer rt.Close()

	e1, err := rt.Add(newImageHolder(t, 7))
	if err != nil {
		t.Fatal(err)
	}
	e2, err := rt.Add(newImageHolder(t, 7))
	if err != nil {
		t.Fatal(err)
	}
	if e1 != e2 {
		t.Fatalf("identical images mapped twice: %#x / %#x", e1, e2)
	}
	st := rt.Stats()
	if st.Segments != 1 || st.CacheHits != 1 {
		t.Fatalf("stats = %+v, want 1 segment 1 hit", st)
	}

	if err := rt.Release(e1); err != nil {
		t.Fatal(err)
	}
	// 还剩一个引用，必须仍可调用
	if got, ok := CallNative(e2); !ok || got != 7 {
		t.Fatalf("entry died with live reference, got %d (ok=%v)", got, ok)
	}
	if err := rt.Release(e2); err != nil {
		t.Fatal(err)
	}
	if st := rt.Stats(); st.Segments != 0 || st.Mapped != 0 {
		t.Fatalf("stats after full release = %+v", st)
	}
}

func TestCacheDisabled(t *testing.T) {
	skipIfNoExec(t)
	cfg := DefaultConfig()
	cfg.CacheEnabled = false
	rt := NewRuntime(cfg)
	defer rt.Close()

	e1, _ := rt.Add(newImageHolder(t, 9))
	e2, _ := rt.Add(newImageHolder(t, 9))
	if e1 == e2 {
		t.Fatal("cache disabled but images deduplicated")
	}
	if st := rt.Stats(); st.Segments != 2 || st.CacheHits != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

// 重定位没做完的镜像不许装载
func TestAddPendingRelocation(t *testing.T) {
	info, err := arch.Lookup(arch.X64, cpufeat.Baseline())
	if err != nil {
		t.Fatal(err)
	}
	h := code.NewHolder()
	if err := h.Init(info); err != nil {
		t.Fatal(err)
	}
	lbl := h.NewLabel()
	h.Text().Append(0xE9, 0, 0, 0, 0)
	if err := h.AddRelocation(code.Relocation{
		Kind: code.RelRel32, Section: h.Text().ID(), Offset: 1, Label: lbl,
	}); err != nil {
		t.Fatal(err)
	}

	rt := NewRuntime(nil)
	defer rt.Close()
	if _, err := rt.Add(h); errs.CodeOf(err) != errs.J0503 {
		t.Fatalf("expected J0503, got %v", err)
	}
}

// 并发装载互不相扰，入口两两不同
func TestConcurrentAdd(t *testing.T) {
	skipIfNoExec(t)
	rt := NewRuntime(nil)
	defer rt.Close()

	const n = 16
	entries := make([]uintptr, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := rt.Add(newImageHolder(t, int32(100+i)))
			if err != nil {
				t.Errorf("Add %d: %v", i, err)
				return
			}
			entries[i] = entry
		}(i)
	}
	wg.Wait()

	seen := make(map[uintptr]bool)
	for i, e := range entries {
		if seen[e] {
			t.Fatalf("entry %d duplicated: %#x", i, e)
		}
		seen[e] = true
		if got, ok := CallNative(e); !ok || got != int64(100+i) {
			t.Fatalf("entry %d returned %d", i, got)
		}
	}
	if st := rt.Stats(); st.Segments != n {
		t.Fatalf("segments = %d, want %d", st.Segments, n)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	skipIfNoExec(t)
	rt := NewRuntime(nil)
	for i := 0; i < 4; i++ {
		if _, err := rt.Add(newImageHolder(t, int32(i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if st := rt.Stats(); st.Segments != 0 || st.Mapped != 0 {
		t.Fatalf("stats after close = %+v", st)
	}
}

// 确保错误信息里带入口地址，方便定位
func TestReleaseErrorMessage(t *testing.T) {
	rt := NewRuntime(nil)
	defer rt.Close()
	err := rt.Release(uintptr(0xABCD))
	if err == nil {
		t.Fatal("expected error")
	}
	if want := fmt.Sprintf("%#x", 0xABCD); !strings.Contains(err.Error(), want) {
		t.Fatalf("error %q lacks address %s", err.Error(), want)
	}
}

func TestMarshalDebug(t *testing.T) {
	skipIfNoExec(t)
	rt := NewRuntime(nil)
	defer rt.Close()
	entry, err := rt.Add(newImageHolder(t, 9))
	if err != nil {
		t.Fatal(err)
	}
	data, err := rt.MarshalDebug()
	if err != nil {
		t.Fatalf("MarshalDebug: %v", err)
	}
	var infos []SegmentInfo
	if err := json.Unmarshal(data, &infos); err != nil {
		t.Fatalf("bad debug json: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("segments in dump = %d", len(infos))
	}
	if want := fmt.Sprintf("%#x", entry); infos[0].Addr != want || infos[0].Refs != 1 {
		t.Fatalf("dump entry = %+v, want addr %s", infos[0], want)
	}
}
