package gate

// doSyscall64 executes a SYSCALL instruction with num in RAX and a1-a6 as
// its argument vector, returning the value left in RAX on completion.
func doSyscall64(num uint64, a1, a2, a3, a4, a5, a6 uint64) uint64

// callLoweredEntryAsm builds a synthesized IRETQ frame that transfers
// control to entry running on stack at ring 3 with the given RFLAGS.
func callLoweredEntryAsm(entry, stack uintptr, flags uint64)
