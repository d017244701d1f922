package manager

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/sirupsen/logrus"
)

type job struct {
	key string
	run func(ctx context.Context)
}

// dispatcher runs jobs on a fixed set of workers. Jobs with the same key
// always land on the same worker, so they run in submission order.
type dispatcher struct {
	queues []chan job
	log    *logrus.Entry
	wg     sync.WaitGroup
	stop   chan struct{}
	once   sync.Once
}

func newDispatcher(workers, queueSize int, log *logrus.Entry) *dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &dispatcher{
		queues: make([]chan job, workers),
		log:    log,
		stop:   make(chan struct{}),
	}
	for i := range d.queues {
		d.queues[i] = make(chan job, queueSize)
	}
	return d
}

func (d *dispatcher) start(ctx context.Context) {
	for i, q := range d.queues {
		d.wg.Add(1)
		go d.work(ctx, i, q)
	}
}

func (d *dispatcher) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.queues)))
}

// dispatch blocks while the worker queue is full. It reports false once the
// dispatcher is stopping or ctx is done.
func (d *dispatcher) dispatch(ctx context.Context, j job) bool {
	select {
	case <-d.stop:
		return false
	default:
	}
	select {
	case d.queues[d.shard(j.key)] <- j:
		return true
	case <-d.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func (d *dispatcher) work(ctx context.Context, id int, q chan job) {
	defer d.wg.Done()
	for {
		select {
		case j := <-q:
			d.run(ctx, id, j)
		case <-d.stop:
			// finish what was already accepted
			for {
				select {
				case j := <-q:
					d.run(ctx, id, j)
				default:
					return
				}
			}
		}
	}
}

func (d *dispatcher) run(ctx context.Context, id int, j job) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithFields(logrus.Fields{"worker": id, "panic": r}).Error("Recovered from panic in dispatch worker")
		}
	}()
	j.run(ctx)
}

// shutdown stops accepting jobs and waits for the workers to drain.
func (d *dispatcher) shutdown() {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
}
