package syncservice

import "runtime"

// yield is the cooperative yield point of spec.md §4.2 step 3 / §5
// "Cooperative yield": on the single-threaded wasm host this code is
// ultimately destined for, nothing preempts a goroutine-equivalent
// task, so after every notification burst the task explicitly gives
// other work a chance to run. On a real multi-threaded Go scheduler
// this is close to a no-op, but it costs nothing and keeps the control
// flow identical to the host it is modelled on (spec.md §9).
func yield() {
	runtime.Gosched()
}
