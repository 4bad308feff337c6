package vmengine

// RotateSerialLog compresses and truncates a VM's serial.log. It blocks on
// the per-VM lock so a rotation can never interleave with an in-progress
// exec's marker scan — the scan's offset bookkeeping assumes the log only
// grows, never shrinks, between the markers it's watching for.
func (e *Engine) RotateSerialLog(userID, name string) (string, error) {
	mu := e.lockFor(userID, name)
	mu.Lock()
	defer mu.Unlock()

	vmDir := e.store.VMDir(userID, name)
	return e.store.RotateSerialLog(vmDir)
}
