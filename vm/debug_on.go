//go:build verdictdebug

package vm

const debugChecks = true

func checkSlot(n uint64, slots int) {
	if n >= uint64(slots) {
		throwf(ErrContractViolation, "memory slot %d outside bank of %d", n, slots)
	}
}
