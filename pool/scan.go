package pool

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/soundscan/worker"
)

// safeScan turns a panic inside a scan into a per-file error.
func safeScan(ctx context.Context, wc *worker.Context, path string) (out worker.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"path":  path,
				"stack": string(debug.Stack()),
			}).Error("scan panicked")
			out = worker.Outcome{Path: path, Err: &worker.FileError{
				Path: path,
				Kind: worker.KindScan,
				Msg:  fmt.Sprintf("panic: %v", r),
			}}
		}
	}()
	return wc.Scan(ctx, path)
}
