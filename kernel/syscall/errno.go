package syscall

import "github.com/hnu-osdesign/kcore/kernel"

// Errno returns the error number reported to user space for err or 0 if
// err is nil.
func Errno(err *kernel.Error) uint64 {
	if err == nil {
		return 0
	}
	return uint64(err.Kind.Errno())
}

// Mux packs the result of a system call into the single word returned to
// user space: the value on success or the negated error number on failure.
func Mux(value uint64, err *kernel.Error) uint64 {
	if err == nil {
		return value
	}
	return -Errno(err)
}

// Demux splits a word produced by Mux into the value and the error number.
// Values in the top 4096 of the word range are error numbers.
func Demux(word uint64) (uint64, uint64) {
	if errno := -word; errno != 0 && errno < 4096 {
		return 0, errno
	}
	return word, 0
}
