package utils

import (
	"context"
	"fmt"
	"time"
)

// RunWithTimeout は fn を timeout 以内で実行します
// タイムアウトした場合は context.DeadlineExceeded を、
// 親のコンテキストがキャンセルされた場合(シグナル受信など)はその原因をラップして返します
func RunWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- fn(runCtx)
	}()

	select {
	case err := <-errChan:
		return err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("batch process cancelled: %w", context.Cause(ctx))
		}
		return fmt.Errorf("batch process timed out after %v: %w", timeout, context.DeadlineExceeded)
	}
}
