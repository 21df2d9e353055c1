package serialflash

import "fmt"

func alignUp(v, size int64) int64 {
	return (v + size - 1) &^ (size - 1)
}

func alignDown(v, size int64) int64 {
	return v &^ (size - 1)
}

func prettySize(n int64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%d MiB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%d KiB", n>>10)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
