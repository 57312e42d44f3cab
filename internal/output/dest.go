package output

import (
	"io"
	"os"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// openDestination creates path, truncating it, or returns stdout for "-".
func openDestination(path string) (io.WriteCloser, error) {
	if path == "-" || path == "" {
		return nopCloser{os.Stdout}, nil
	}
	return os.Create(path)
}
