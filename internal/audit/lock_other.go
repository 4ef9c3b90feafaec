//go:build !unix

package audit

import "os"

// O_APPEND writes of a single line are the only guarantee here.
func lockFile(*os.File) (func(), error) {
	return func() {}, nil
}
