// debug.go - 分配结果的调试导出

package regalloc

import (
	"github.com/segmentio/encoding/json"
)

// MarshalDebug 把分配结果序列化为 JSON
// 供诊断日志与问题复现使用，不是稳定格式
func (a *Allocation) MarshalDebug() ([]byte, error) {
	return json.Marshal(a)
}
