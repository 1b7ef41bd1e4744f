// Package epoch 提供会话代际计数器
//
// 异步回调在注册时记录当前 epoch，触发时若 epoch 已前进（会话被拆除或替换），回调直接丢弃。
package epoch

import "sync/atomic"

// Counter 单调递增的代际计数器，零值可用
type Counter struct {
	v atomic.Uint64
}

// Current 当前 epoch
func (c *Counter) Current() uint64 {
	return c.v.Load()
}

// Advance 前进一代并返回新值
func (c *Counter) Advance() uint64 {
	return c.v.Add(1)
}

// Valid tag 是否仍是当前 epoch
func (c *Counter) Valid(tag uint64) bool {
	return c.v.Load() == tag
}

// Guard 包装回调：只有在 tag 仍有效时才执行 fn
func (c *Counter) Guard(tag uint64, fn func()) bool {
	if !c.Valid(tag) {
		return false
	}
	fn()
	return true
}
