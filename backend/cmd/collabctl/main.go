// collabctl 是运维用的命令行工具：查看文档在线列表、查看或强制释放写租约、签发开发 token。
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(openFromConfig, os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
