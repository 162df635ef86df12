// Package promreg 允许多个组件共用同一个 Registerer 注册同名指标。
package promreg

import "github.com/prometheus/client_golang/prometheus"

// Register 注册 c 并返回实际生效的指标：同名指标已注册时返回已有的那个，
// reg 为 nil 时不注册直接返回 c。其它注册错误与 MustRegister 一样 panic。
func Register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		if existing, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if prev, ok := existing.ExistingCollector.(T); ok {
				return prev
			}
		}
		panic(err)
	}
	return c
}
