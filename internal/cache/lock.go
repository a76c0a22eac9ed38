package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// fileLockRetryInterval 是抢占缓存目录锁的轮询间隔。
const fileLockRetryInterval = 50 * time.Millisecond

// acquireFileLock 在 ctx 截止前反复尝试获取排他锁；ctx 没有截止时间时只尝试一次。
func acquireFileLock(ctx context.Context, lockPath string) (*flock.Flock, error) {
	fl := flock.New(lockPath)

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquiring file lock %s: %w", lockPath, err)
		}
		if !locked {
			return nil, fmt.Errorf("acquiring file lock %s: %w", lockPath, ErrStorageLocked)
		}
		return fl, nil
	}

	locked, err := fl.TryLockContext(ctx, fileLockRetryInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("acquiring file lock %s: %w (%v)", lockPath, ErrStorageLocked, err)
		}
		return nil, fmt.Errorf("acquiring file lock %s: %w", lockPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("acquiring file lock %s: %w", lockPath, ErrStorageLocked)
	}
	return fl, nil
}
