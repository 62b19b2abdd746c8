package main

import (
	"go.uber.org/zap"

	"github.com/pmkol/lpcache/coremain"
	"github.com/pmkol/lpcache/mlog"
)

func main() {
	if err := coremain.Run(); err != nil {
		mlog.L().Fatal("lpcache exited", zap.Error(err))
	}
}
