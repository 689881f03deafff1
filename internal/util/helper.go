// Package util holds small generic helpers shared across go-archon packages.
package util

// CloneSlice clones src into a freshly allocated slice of length cloneSize.
// A cloneSize of 0 uses the source length, producing an exact copy.
func CloneSlice[T any](src []T, cloneSize int) []T {
	if cloneSize == 0 {
		cloneSize = len(src)
	}
	clone := make([]T, cloneSize)
	copy(clone, src)

	return clone
}
