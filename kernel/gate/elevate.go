package gate

import "github.com/pbrowne011/StelluxOS/kernel/mem"

// SysElevate and SysLower are the syscall numbers dispatched through
// doSyscall64 to flip the calling task's elevated flag and swap in its
// kernel (respectively, original) stack segment descriptors.
const (
	SysElevate = uint64(0xe1)
	SysLower   = uint64(0xe2)
)

// loweredEntryFlags is the RFLAGS value a synthesized ring-3 entry frame
// is built with: only the interrupt-enable bit is set.
const loweredEntryFlags = 0x200

var (
	// doSyscall64Fn and callLoweredEntryFn are mocked by tests, since the
	// asm-backed primitives they wrap fault outside ring 0.
	doSyscall64Fn      = doSyscall64
	callLoweredEntryFn = callLoweredEntryAsm
)

// Elevate raises the calling task's privilege level for the duration of a
// RUN_ELEVATED region. Reentrant-safe only when every exit path pairs it
// with a matching call to Lower.
func Elevate() {
	doSyscall64Fn(SysElevate, 0, 0, 0, 0, 0, 0)
}

// Lower restores the calling task's original, unprivileged stack segment
// descriptors.
func Lower() {
	doSyscall64Fn(SysLower, 0, 0, 0, 0, 0, 0)
}

// CallLoweredEntry transfers control to the function at entry, running on
// userStack, at ring 3, via a synthesized IRETQ frame. It does not return
// to its caller; entry resumes the normal call path only by later raising
// a syscall/interrupt of its own.
func CallLoweredEntry(entry uintptr, userStack uintptr) {
	callLoweredEntryFn(entry, userStack+uintptr(mem.PageSize), loweredEntryFlags)
}
