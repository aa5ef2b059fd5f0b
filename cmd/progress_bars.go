package main

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/sync/errgroup"

	"github.com/drgo/dataget"
)

type (
	progressStatus struct {
		xfer  int64 // Bytes on disk
		size  int64 // Total size, zero while unknown
		state dataget.ProgressState
	}

	progressBar struct {
		progressStatus
		bar *mpb.Bar
	}

	// progressBars is a dataget.Observer drawing one bar per active file.
	progressBars struct {
		desc   string
		lock   sync.Mutex
		done   chan struct{}
		status map[string]progressStatus
		egrp   *errgroup.Group
	}
)

func newProgressBars(desc string) *progressBars {
	return &progressBars{
		desc:   desc,
		done:   make(chan struct{}),
		status: make(map[string]progressStatus),
	}
}

func (pb *progressBars) Observe(p dataget.Progress) {
	key := p.Filepath
	if key == "" {
		key = p.URL
	}
	pb.lock.Lock()
	defer pb.lock.Unlock()
	stat := pb.status[key]
	stat.state = p.State
	stat.xfer = p.CurrentSize
	if p.TotalSize > 0 {
		stat.size = p.TotalSize
	}
	pb.status[key] = stat
}

func (pb *progressBars) shutdown() {
	if pb.egrp != nil {
		close(pb.done)
		if err := pb.egrp.Wait(); err != nil {
			log.Debugln("Failure to shut down progress bar:", err)
		}
	}
}

func finished(state dataget.ProgressState) bool {
	switch state {
	case dataget.ProgressStateComplete, dataget.ProgressStateSkipped, dataget.ProgressStateFailed:
		return true
	}
	return false
}

// launchDisplay draws the bars on w and routes logger output above them
// until shutdown.
func (pb *progressBars) launchDisplay(ctx context.Context, w io.Writer, logger *log.Logger) {
	progressCtr := mpb.NewWithContext(ctx, mpb.WithOutput(w))
	logger.SetOutput(progressCtr)
	pb.egrp, _ = errgroup.WithContext(ctx)
	logger.Debugln("Launch progress bars display")

	pb.egrp.Go(func() error {
		defer func() {
			logger.SetOutput(w)
			progressCtr.Wait()
		}()

		tickDuration := 200 * time.Millisecond
		ticker := time.NewTicker(tickDuration)
		defer ticker.Stop()
		pbMap := make(map[string]*progressBar)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-pb.done:
				for path := range pbMap {
					pbMap[path].bar.Abort(true)
					pbMap[path].bar.Wait()
				}
				return nil
			case <-ticker.C:
				pb.tick(progressCtr, pbMap, tickDuration)
			}
		}
	})
}

func (pb *progressBars) tick(progressCtr *mpb.Progress, pbMap map[string]*progressBar, tickDuration time.Duration) {
	pb.lock.Lock()
	defer pb.lock.Unlock()
	for path, newStatus := range pb.status {
		b := pbMap[path]
		if b == nil {
			if finished(newStatus.state) {
				// Done before it was ever drawn.
				delete(pb.status, path)
				continue
			}
			b = &progressBar{bar: pb.addBar(progressCtr, path)}
			pbMap[path] = b
		}
		if b.size == 0 && newStatus.size > 0 {
			b.bar.SetTotal(newStatus.size, false)
		}
		b.bar.EwmaSetCurrent(newStatus.xfer, tickDuration)
		b.progressStatus = newStatus

		if !finished(newStatus.state) {
			continue
		}
		if newStatus.state == dataget.ProgressStateComplete {
			b.bar.SetTotal(-1, true)
		} else {
			b.bar.Abort(true)
			b.bar.Wait()
		}
		delete(pbMap, path)
		delete(pb.status, path)
	}
}

func (pb *progressBars) addBar(progressCtr *mpb.Progress, path string) *mpb.Bar {
	name := filepath.Base(path)
	if pb.desc != "" {
		name = pb.desc + ": " + name
	}
	return progressCtr.AddBar(0,
		mpb.BarRemoveOnComplete(),
		mpb.PrependDecorators(
			decor.Name(name, decor.WCSyncSpaceR),
			decor.CountersKibiByte("% .2f / % .2f"),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.EwmaETA(decor.ET_STYLE_GO, 15), ""),
			decor.OnComplete(decor.Name(" ] "), ""),
			decor.OnComplete(decor.EwmaSpeed(decor.SizeB1024(0), "% .2f", 15), "Done!"),
		),
	)
}
