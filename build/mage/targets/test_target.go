package targets

import (
	"github.com/ctrl-cmd/gobuild"
	"github.com/magefile/mage/mg"
)

type Test mg.Namespace

// Unit runs unit tests using `go test`.
func (Test) Unit() error {
	return gobuild.RunUnitTest("./pkg/...", "./internal/...", "./cmd/...")
}
