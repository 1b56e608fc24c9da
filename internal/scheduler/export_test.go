package scheduler

func resetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultScheduler != nil {
		defaultScheduler.Stop()
		defaultScheduler.Wait()
	}
	defaultScheduler = nil
}
