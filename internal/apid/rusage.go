package apid

import "syscall"

// runtimeUsage holds this process's accumulated CPU time, in milliseconds,
// as reported by getrusage(2) — the same fields the reference
// implementation's "stats" command exposes.
type runtimeUsage struct {
	userMsec, sysMsec int64
}

func (ru *runtimeUsage) read() {
	var r syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &r); err != nil {
		return
	}

	ru.userMsec = int64(r.Utime.Sec)*1000 + int64(r.Utime.Usec)/1000
	ru.sysMsec = int64(r.Stime.Sec)*1000 + int64(r.Stime.Usec)/1000
}
