package coordinator

import (
	"fmt"
	"runtime"
)

// Filled in at build time with -ldflags "-X github.com/multisig-wizard/coordinator.CurrentVersion=...".
var (
	CurrentCommit  = ""
	CurrentBranch  = ""
	CurrentVersion = "dev"
	BuildDate      = ""
	Platform       = fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
	GoVersion      = runtime.Version()
)
