//go:build !linux

package netload

func processRSSBytes() (uint64, bool) {
	return 0, false
}
