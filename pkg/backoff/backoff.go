package backoff

import (
	"math"
	"time"
)

// Exponential 指数退避策略
//
// 第 n 次重试前的等待时间 = Base * 2^n，超过 Max 则取 Max。
// 无状态，可并发使用。
type Exponential struct {
	Base time.Duration // 基础等待时间
	Max  time.Duration // 等待时间上限
}

func NewExponential(base, max time.Duration) *Exponential {
	return &Exponential{Base: base, Max: max}
}

// Delay 计算第 attempt 次失败后的退避时间
//
// attempt 从 0 开始：第一次失败后等待 Base，第二次失败后等待 Base*2，以此类推。
func (e *Exponential) Delay(attempt int) time.Duration {
	if e.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	d := float64(e.Base) * math.Pow(2, float64(attempt))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	return time.Duration(d)
}
