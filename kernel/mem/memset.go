package mem

// Memset sets every byte of buf to the supplied value. Instead of using a for
// loop, this function uses log2(len(buf)) copy calls which should give us a
// speed boost as page-sized buffers are always powers of two.
func Memset(buf []byte, value byte) {
	if len(buf) == 0 {
		return
	}

	// Set first element and make log2(size) optimized copies
	buf[0] = value
	for index := 1; index < len(buf); index *= 2 {
		copy(buf[index:], buf[:index])
	}
}
