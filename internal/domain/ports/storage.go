package ports

type ByteStore interface {
	WriteAt(locator string, p []byte, off int64) (int, error)
	ReadAt(locator string, p []byte, off int64) (int, error)
	IsCached(locator string, off, length int64) bool
}

// EvictionSource lets a consumer learn that bytes of a locator were dropped.
type EvictionSource interface {
	OnEvict(fn func(locator string))
}
