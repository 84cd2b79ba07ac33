package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := newCLIApp().Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("[Main] 通知网关异常退出")
	}
}
