package targets

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ctrl-cmd/gobuild"
	"github.com/magefile/mage/mg"
)

type Package mg.Namespace

func releaseFileCreate(ext string) (*os.File, error) {
	dir, err := getReleaseDir()
	if err != nil {
		return nil, err
	}
	return os.Create(filepath.Join(dir, releaseFile(ext)))
}

// Tgz creates a release tar gzipped source archive.
func (Package) Tgz() error {
	mg.Deps(Test.Unit)

	archive, err := gobuild.NewGitArchive(fmt.Sprintf("%s-%s", packageName, getVersion()))
	if err != nil {
		return err
	}
	f, err := releaseFileCreate("tgz")
	if err != nil {
		return err
	}
	defer f.Close()

	return archive.Create(gobuild.TgzArchive, f)
}

// Zip creates a release zip source archive.
func (Package) Zip() error {
	mg.Deps(Test.Unit)

	archive, err := gobuild.NewGitArchive(fmt.Sprintf("%s-%s", packageName, getVersion()))
	if err != nil {
		return err
	}
	f, err := releaseFileCreate("zip")
	if err != nil {
		return err
	}
	defer f.Close()

	return archive.Create(gobuild.ZipArchive, f)
}
