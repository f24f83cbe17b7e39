// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试上下文与等待断言
//
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	testutil.WaitFor(t, func() bool { return done }, time.Second, "run did not finish")
// =============================================================================
package testutil

import (
	"context"
	"testing"
	"time"
)

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// WaitFor 轮询等待条件成立，超时则让测试失败
func WaitFor(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
