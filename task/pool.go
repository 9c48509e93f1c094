package task

import (
	"sync"

	"github.com/lissandra-db/lissandra/cmn/nlog"
)

type poolState uint8

const (
	poolRunning poolState = iota
	poolPaused
	poolTerminated
)

// pool is the bounded worker pool of spec §4.4/§4.5: N goroutines pop
// typed tasks off an mcq and invoke the scheduler-supplied handler.
// PAUSE and SHUTDOWN are sentinel values that jump the queue so a
// worker idle-waiting on Pop always sees them promptly.
type pool struct {
	name    string
	handler func(*Task)

	mu           sync.Mutex
	state        poolState
	workersCount int
	pausedCount  int
	condPause    *sync.Cond // workers wait here while paused
	condPaused   *sync.Cond // scheduler waits here for workers to report paused

	queue *mcq
	wg    sync.WaitGroup
}

func newPool(name string, numWorkers int, handler func(*Task)) *pool {
	if numWorkers <= 0 {
		panic("task: numWorkers must be > 0")
	}
	p := &pool{
		name:         name,
		handler:      handler,
		workersCount: numWorkers,
		queue:        newMCQ(),
	}
	p.condPause = sync.NewCond(&p.mu)
	p.condPaused = sync.NewCond(&p.mu)

	nlog.Infof("[pool: %s] starting with %d workers", name, numWorkers)
	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go p.mainLoop(i)
	}
	return p
}

func (p *pool) submit(t *Task)      { p.queue.push(t) }
func (p *pool) submitFirst(t *Task) { p.queue.pushFirst(t) }
func (p *pool) size() int           { return p.workersCount }
func (p *pool) queued() int         { return p.queue.size() }

func (p *pool) mainLoop(index int) {
	defer p.wg.Done()
	for {
		item := p.queue.pop()
		switch item.sent {
		case sentinelShutdown:
			nlog.Infof("[pool: %s-%03d] terminated gracefully", p.name, index)
			return
		case sentinelPause:
			p.mu.Lock()
			p.pausedCount++
			p.condPaused.Signal()
			for p.state == poolPaused {
				p.condPause.Wait()
			}
			p.mu.Unlock()
		default:
			p.handler(item.task)
		}
	}
}

// pauseBlocking pauses every worker and waits until all of them have
// reported paused. Nothing in the module calls it; Stop uses
// pauseNonBlocking.
func (p *pool) pauseBlocking() {
	p.mu.Lock()
	if p.state != poolPaused {
		p.state = poolPaused
		p.pausedCount = 0
		for i := 0; i < p.workersCount; i++ {
			p.queue.pushSentinelFirst(sentinelPause)
		}
		for p.pausedCount < p.workersCount {
			p.condPaused.Wait()
		}
	}
	p.mu.Unlock()
}

// pauseNonBlocking is used by shutdown (§4.4 "stop ... pauses the pool
// non-blockingly"): it requests the pause but does not wait, since
// shutdown proceeds to tear down network contexts next regardless.
func (p *pool) pauseNonBlocking() {
	p.mu.Lock()
	if p.state != poolPaused {
		p.state = poolPaused
		p.pausedCount = 0
		for i := 0; i < p.workersCount; i++ {
			p.queue.pushSentinelFirst(sentinelPause)
		}
	}
	p.mu.Unlock()
}

func (p *pool) resume() {
	p.mu.Lock()
	if p.state == poolPaused {
		p.pausedCount = 0
		p.state = poolRunning
		p.condPause.Broadcast()
	}
	p.mu.Unlock()
}

// shutdown submits a SHUTDOWN sentinel per worker, resumes the pool if
// it was paused (so paused workers can observe the sentinel), and
// blocks until every worker goroutine has returned.
func (p *pool) shutdown() {
	nlog.Infof("[pool: %s] terminating thread pool...", p.name)
	for i := 0; i < p.workersCount; i++ {
		p.queue.pushSentinelFirst(sentinelShutdown)
	}
	p.resume()
	p.wg.Wait()
	p.mu.Lock()
	p.state = poolTerminated
	p.mu.Unlock()
	nlog.Infof("[pool: %s] terminated with %d tasks still pending", p.name, p.queue.size())
}
