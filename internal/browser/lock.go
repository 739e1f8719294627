package browser

import "context"

// Lock は1つのページに対する操作を直列化するコンテキスト対応のミューテックス。
// プロセスにつき1つのページを共有するため、遷移を伴う操作はすべてこのロックの内側で行う。
type Lock struct {
	ch chan struct{}
}

// NewLock はLockを生成する。
func NewLock() *Lock {
	return &Lock{ch: make(chan struct{}, 1)}
}

// Acquire はロックを取得する。ctxが先に終了した場合はctx.Err()を返す。
func (l *Lock) Acquire(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire はロックを待たずに取得を試みる。
func (l *Lock) TryAcquire() bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release はロックを解放する。
func (l *Lock) Release() {
	select {
	case <-l.ch:
	default:
		panic("browser: Release of unlocked Lock")
	}
}
