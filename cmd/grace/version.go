package main

import (
	"fmt"
	"io"
	"runtime"
)

func runVersionCmd(stdout io.Writer) int {
	fmt.Fprintf(stdout, "grace-core v%s %s\n", version, runtime.Version())
	return 0
}
