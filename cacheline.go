package syncmap

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize is the padding unit used to keep the lock-free read
// pointer and the lock-guarded write-side fields of Map from sharing a
// cache line. It is derived for the target architecture by the
// `golang.org/x/sys` package.
const CacheLineSize = unsafe.Sizeof(cpu.CacheLinePad{})
