package expansion

// Sinks fans every event out to each sink in order.
type Sinks []Sink

func (s Sinks) StatusChanged(state State) {
	for _, sink := range s {
		sink.StatusChanged(state)
	}
}

func (s Sinks) Progress(downloaded, total int64) {
	for _, sink := range s {
		sink.Progress(downloaded, total)
	}
}

func (s Sinks) Done(paths []string) {
	for _, sink := range s {
		sink.Done(paths)
	}
}

func (s Sinks) Error(state State, message string) {
	for _, sink := range s {
		sink.Error(state, message)
	}
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) StatusChanged(State)   {}
func (NopSink) Progress(int64, int64) {}
func (NopSink) Done([]string)         {}
func (NopSink) Error(State, string)   {}
