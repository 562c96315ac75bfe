package dirbackend

import (
	"bytes"
	"io"
	"path/filepath"
)

func filepathDir(path string) string {
	return filepath.Dir(path)
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
