package cdpkit

import (
	"os"
	"os/exec"
	"path/filepath"
)

// findExecPath tries to find a Chromium-family browser binary somewhere on
// the current system, trying the same candidate names on every OS. It is a
// deliberately small stand-in for the external discovery collaborator
// spec.md §1 scopes out of the core's responsibilities.
func findExecPath() string {
	for _, path := range [...]string{
		// Unix-like
		"headless_shell",
		"headless-shell",
		"chromium",
		"chromium-browser",
		"google-chrome",
		"google-chrome-stable",
		"google-chrome-beta",
		"google-chrome-unstable",
		"/usr/bin/google-chrome",

		// Windows
		"chrome",
		"chrome.exe",
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		filepath.Join(os.Getenv("USERPROFILE"), `AppData\Local\Google\Chrome\Application\chrome.exe`),

		// Mac
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	} {
		if found, err := exec.LookPath(path); err == nil {
			return found
		}
	}
	return ""
}
