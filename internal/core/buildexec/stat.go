package buildexec

import (
	"os"
	"path/filepath"
)

func defaultStat(dir, name string) error {
	_, err := os.Stat(filepath.Join(dir, name))
	return err
}
