// Package circuitbreaker stops the outbox dispatcher from hammering a
// broker that is down. Events behind an open breaker stay pending and are
// picked up again on a later tick.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitBreakerOpen is returned without calling fn while the breaker is open.
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// State 表示熔断器状态
type State int

const (
	StateClosed   State = iota // 正常放行
	StateOpen                  // 直接拒绝
	StateHalfOpen              // 试探恢复
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// Name identifies the breaker in logs and metrics.
	Name string
	// 连续失败多少次后打开
	FailureThreshold int
	// 半开状态下成功多少次后关闭
	SuccessThreshold int
	// 打开状态持续多久后进入半开
	Timeout time.Duration
	// 半开状态下同时放行的最大请求数
	HalfOpenMaxRequests int

	// OnStateChange is called with the lock released after every transition.
	OnStateChange func(name string, from, to State)
	// Now defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig 返回默认配置
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

type CircuitBreaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	inFlight      int
	stateChangeAt time.Time
}

func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	return &CircuitBreaker{
		cfg:           cfg,
		state:         StateClosed,
		stateChangeAt: cfg.Now(),
	}
}

func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err == nil)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	var changed func()
	defer func() {
		cb.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.stateChangeAt) >= cb.cfg.Timeout {
		changed = cb.setState(StateHalfOpen)
	}

	switch cb.state {
	case StateOpen:
		return ErrCircuitBreakerOpen
	case StateHalfOpen:
		if cb.inFlight >= cb.cfg.HalfOpenMaxRequests {
			return ErrCircuitBreakerOpen
		}
		cb.inFlight++
	}
	return nil
}

func (cb *CircuitBreaker) after(ok bool) {
	cb.mu.Lock()
	var changed func()
	defer func() {
		cb.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	switch cb.state {
	case StateClosed:
		if ok {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			changed = cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.inFlight--
		if !ok {
			// 半开状态下失败，立即打开
			changed = cb.setState(StateOpen)
			return
		}
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			changed = cb.setState(StateClosed)
		}
	case StateOpen:
		// a call admitted before the breaker opened; nothing to count
	}
}

// setState must be called with mu held. The returned func fires the
// callback and must run after unlocking.
func (cb *CircuitBreaker) setState(to State) func() {
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.inFlight = 0
	cb.stateChangeAt = cb.cfg.Now()
	if cb.cfg.OnStateChange == nil || from == to {
		return nil
	}
	name, hook := cb.cfg.Name, cb.cfg.OnStateChange
	return func() { hook(name, from, to) }
}

// State reports the current state. An open breaker whose timeout has passed
// still reports open until the next Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	changed := cb.setState(StateClosed)
	cb.mu.Unlock()
	if changed != nil {
		changed()
	}
}
