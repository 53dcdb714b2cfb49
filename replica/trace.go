package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// HandleError runs `do` and recovers a panic so that one bad subscriber
// cannot stop a fan-out. Handlers are `func()` or `func(error)` and run only on panic.
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			if !errors.Is(err, context.Canceled) {
				glog.Warningf("Unexpected error: %s\n", ErrorJson(r, debug.Stack()))
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}

func ErrorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			stackLines = append(stackLines, line)
		}
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%s", err, err),
		"stack": stackLines,
	})
	return string(errorJson)
}

// TraceWithReturnError times `do` at V(2). Otherwise it just calls `do`.
func TraceWithReturnError[R any](tag string, do func() (R, error)) (result R, returnErr error) {
	if !glog.V(2) {
		return do()
	}
	start := time.Now()
	result, returnErr = do()
	millis := float32(time.Since(start)) / float32(time.Millisecond)
	if returnErr != nil {
		glog.Infof("%s (%.2fms) err = %s\n", tag, millis, returnErr)
	} else {
		glog.Infof("%s (%.2fms)\n", tag, millis)
	}
	return
}
