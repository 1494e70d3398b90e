package cdpkit

import (
	"log"
	"os"
)

// Logger is cdpkit's default logger, wired into Transport/BrowserProcess/
// SessionManager via their WithXLogf options when callers want output
// instead of the zero-value no-op.
var Logger = log.New(os.Stderr, "cdpkit ", log.LstdFlags)
