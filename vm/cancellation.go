package vm

// Abort asks a scan to stop. The interpreter checks the flag before every
// instruction, so the scan ends with ErrAborted at the next fetch. A request
// made before Run starts is kept for that run. It is safe to call from any
// goroutine, and context cancellation during Run is routed here.
func (i *Interpreter) Abort() {
	i.abort.Store(true)
}

// Aborted reports whether a stop is pending or the last run ended with one.
func (i *Interpreter) Aborted() bool {
	return i.abort.Load() || i.aborted.Load()
}

// settleAbort consumes the stop request when a run returns, so the next run
// starts clean.
func (i *Interpreter) settleAbort() {
	i.aborted.Store(i.abort.Swap(false))
}
