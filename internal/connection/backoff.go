package connection

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy 重连退避策略：Base * Factor^attempt，封顶 Max，再叠加 ±Jitter 的随机抖动
type BackoffPolicy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	Jitter float64 // 0.2 表示 ±20%

	// Rand 返回 [0,1) 的随机数，为空时使用 math/rand
	Rand func() float64
}

// DefaultBackoff 1s 起步、翻倍、30s 封顶、±20% 抖动
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:   time.Second,
		Factor: 2,
		Max:    30 * time.Second,
		Jitter: 0.2,
	}
}

// Delay 第 attempt 次重连（从 0 开始）前的等待时间
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	def := DefaultBackoff()
	base, factor, max := p.Base, p.Factor, p.Max
	if base <= 0 {
		base = def.Base
	}
	if factor < 1 {
		factor = def.Factor
	}
	if max <= 0 {
		max = def.Max
	}
	if attempt < 0 {
		attempt = 0
	}

	d := float64(base) * math.Pow(factor, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(max) {
		d = float64(max)
	}

	if p.Jitter > 0 {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		d *= 1 + p.Jitter*(2*r()-1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
