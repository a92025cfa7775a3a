package targets

import (
	"os"
	"strings"

	"github.com/ctrl-cmd/gobuild"
)

func ldFlags() string {
	flags := []string{
		"-X main.version=" + getVersion(),
		"-w -extldflags \"-static\"",
	}
	return strings.Join(flags, " ")
}

// Install installs the keynotify binary using `go install`.
func Install() error {
	return gobuild.RunInstall("-ldflags", ldFlags(), mainPackage)
}

// Build builds the keynotify binary using `go build`.
func Build() error {
	return gobuild.RunBuild("-ldflags", ldFlags(), mainPackage)
}

func init() {
	// buntdb and the mail stack are pure Go, build statically
	os.Setenv("CGO_ENABLED", "0")
}
