package dataget

// ProgressState defines the current status of a transfer.
type ProgressState int

const (
	// ProgressStateStarted indicates that the body of the response is about to be streamed.
	ProgressStateStarted ProgressState = iota
	// ProgressStateDownloading indicates that a chunk was written to disk.
	ProgressStateDownloading
	// ProgressStateVerifying indicates that the final size is being checked.
	ProgressStateVerifying
	// ProgressStateComplete indicates that the file is complete on disk.
	ProgressStateComplete
	// ProgressStateSkipped indicates that the local file was already complete.
	ProgressStateSkipped
	// ProgressStateFailed indicates that the transfer failed.
	ProgressStateFailed
)

// Progress holds the state of a transfer, designed to be sent over a channel.
type Progress struct {
	Index       int           `json:"index"`
	URL         string        `json:"url"`
	Filepath    string        `json:"path"`
	TotalSize   int64         `json:"total"`
	CurrentSize int64         `json:"current"`
	State       ProgressState `json:"state"`
	Message     string        `json:"message,omitempty"`
}

// Observer receives progress updates at every chunk boundary. It is called
// from the goroutines running transfers and must be safe for concurrent use.
// A transfer never depends on what an observer does.
type Observer interface {
	Observe(p Progress)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(p Progress)

func (f ObserverFunc) Observe(p Progress) { f(p) }

type nopObserver struct{}

func (nopObserver) Observe(Progress) {}

// NopObserver returns an observer that ignores every update.
func NopObserver() Observer { return nopObserver{} }

type channelObserver struct {
	ch chan<- Progress
}

// ChannelObserver returns an observer that sends updates to ch without
// blocking. Updates that do not fit are dropped.
func ChannelObserver(ch chan<- Progress) Observer {
	return channelObserver{ch: ch}
}

func (o channelObserver) Observe(p Progress) {
	select {
	case o.ch <- p:
	default:
	}
}

// MultiObserver fans updates out to several observers.
func MultiObserver(observers ...Observer) Observer {
	return ObserverFunc(func(p Progress) {
		for _, o := range observers {
			o.Observe(p)
		}
	})
}

func (d *Downloader) notify(job Job, path string, state ProgressState, current, total int64, msg string) {
	d.observer.Observe(Progress{
		Index:       job.Index,
		URL:         job.URL,
		Filepath:    path,
		TotalSize:   total,
		CurrentSize: current,
		State:       state,
		Message:     msg,
	})
}
