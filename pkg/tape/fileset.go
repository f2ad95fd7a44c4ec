package tape

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileSet is a directory of tape files shared by the participants of a
// parallel sort. Worker i owns the file named by Path(i) until it is
// frozen; after that the leader may open it read-only.
type FileSet struct {
	_dir string
}

func NewFileSet(baseDir string) (*FileSet, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	dir, err := os.MkdirTemp(baseDir, "tuplesort-fileset-")
	if err != nil {
		return nil, err
	}
	return &FileSet{_dir: dir}, nil
}

func (fs *FileSet) Path(worker int) string {
	return filepath.Join(fs._dir, fmt.Sprintf("worker%d.tape", worker))
}

func (fs *FileSet) Create(worker int) (*os.File, error) {
	return os.OpenFile(fs.Path(worker), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
}

func (fs *FileSet) Open(worker int) (*os.File, error) {
	return os.Open(fs.Path(worker))
}

// Remove deletes the directory and every tape file in it.
func (fs *FileSet) Remove() error {
	return os.RemoveAll(fs._dir)
}
