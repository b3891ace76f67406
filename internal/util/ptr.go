package util

// Ptr returns a pointer to v. Handy for optional override fields.
func Ptr[T any](v T) *T {
	return &v
}
