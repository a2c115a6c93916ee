// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package provision

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Names excluded when materializing the workspace template. Environment
// files never travel with the template (each deployment gets fresh
// secrets), and VCS metadata and build caches are dead weight.
var templateExcludes = map[string]bool{
	".env":         true,
	".git":         true,
	"__pycache__":  true,
	"node_modules": true,
	"venv":         true,
	".venv":        true,
}

// copyTemplate materializes the workspace template tree into targetDir.
func copyTemplate(templateDir, targetDir string) error {
	info, err := os.Stat(templateDir)
	if err != nil {
		return fmt.Errorf("workspace template not found at %s: %w", templateDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace template %s is not a directory", templateDir)
	}

	return filepath.WalkDir(templateDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		name := d.Name()
		if path != templateDir && (templateExcludes[name] || strings.HasSuffix(name, ".pyc")) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(templateDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(targetDir, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", dst, err)
	}
	return out.Close()
}
