// Copyright (c) 2020-2021, Ctrl IQ, Inc. All rights reserved
// SPDX-License-Identifier: BSD-3-Clause

package targets

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ctrl-cmd/gobuild"
)

const (
	packageName = "keynotify"
	mainPackage = "./cmd/keynotify/"
)

func releaseFile(ext string) string {
	return fmt.Sprintf("%s-%s.%s", packageName, getVersion(), ext)
}

func getReleaseDir() (string, error) {
	dir := filepath.Join("build", "release", getVersion())
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}

func getVersion() string {
	d, err := gobuild.GitDescribe()
	if err == nil {
		v, err := d.GetSemver()
		if err == nil {
			return v.String()
		}
	}
	return "devel"
}
