// Package pipeline processes batches of movies: every item is loaded, fitted
// and written to its own metadata document, with a failed item leaving the
// others untouched.
package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"emfit/pkg/accel"
	"emfit/pkg/ctffit"
	"emfit/pkg/frames"
	"emfit/pkg/metadata"
	"emfit/pkg/motion"
)

// Status is the processing state of an item
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Event reports a change in an item's processing
type Event struct {
	Batch   string    `json:"batch"`
	Item    string    `json:"item"`
	Status  Status    `json:"status"`
	Stage   string    `json:"stage,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// ItemState is the latest known state of an item
type ItemState struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Status  Status    `json:"status"`
	Stage   string    `json:"stage,omitempty"`
	Error   string    `json:"error,omitempty"`
	Result  string    `json:"result,omitempty"`
	Updated time.Time `json:"updated"`
}

// Params holds the batch configuration
type Params struct {
	// Items are the movie paths, each a frame directory or a single frame
	Items []string

	// OutputDir receives one metadata document per item
	OutputDir string

	// Devices is the number of items processed concurrently
	Devices int

	// MemoryBudget is the total buffer budget in bytes; 0 is automatic
	MemoryBudget int64

	// PixelSize is the pixel size of the frames in Å
	PixelSize float64

	DoCTF    bool
	DoMotion bool

	CTF    ctffit.Options
	Motion motion.Options
}

// Processor runs a batch and keeps the state of every item
type Processor struct {
	params *Params
	id     string

	mu          sync.RWMutex
	states      map[string]*ItemState
	order       []string
	subscribers []chan Event
}

// NewProcessor creates a processor with every item pending
func NewProcessor(params *Params) *Processor {
	p := &Processor{
		params: params,
		id:     fmt.Sprintf("batch_%s", uuid.NewString()),
		states: make(map[string]*ItemState),
	}
	for _, path := range params.Items {
		name := ItemName(path)
		if _, ok := p.states[name]; ok {
			continue
		}
		p.states[name] = &ItemState{Name: name, Path: path, Status: StatusPending, Updated: time.Now()}
		p.order = append(p.order, name)
	}
	return p
}

// ID identifies the batch in events and in the status API
func (p *Processor) ID() string {
	return p.id
}

// ItemName derives an item's name from its path
func ItemName(path string) string {
	base := filepath.Base(filepath.Clean(path))
	if frames.Supported(base) {
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return base
}

// Subscribe returns a channel receiving every event published after the
// call. The channel is closed when Process returns.
func (p *Processor) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	p.mu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.mu.Unlock()
	return ch
}

func (p *Processor) publish(name string, status Status, stage, message string) {
	ev := Event{Batch: p.id, Item: name, Status: status, Stage: stage, Message: message, Time: time.Now()}

	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.states[name]; ok {
		st.Status = status
		st.Stage = stage
		st.Updated = ev.Time
		if status == StatusFailed {
			st.Error = message
		}
	}
	for _, ch := range p.subscribers {
		// Slow subscribers miss events rather than stall the batch
		select {
		case ch <- ev:
		default:
		}
	}
}

// States returns a snapshot of every item in submission order
func (p *Processor) States() []ItemState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ItemState, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, *p.states[name])
	}
	return out
}

// State returns a snapshot of one item
func (p *Processor) State(name string) (ItemState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.states[name]
	if !ok {
		return ItemState{}, false
	}
	return *st, true
}

// ResultPath returns where the metadata of an item is written
func (p *Processor) ResultPath(name string) string {
	return filepath.Join(p.params.OutputDir, name+".yaml")
}

type processingResult struct {
	name string
	err  error
}

// Process runs every pending item on a pool of workers, one device each.
// It returns an error only when items failed, naming how many; the state
// of each item says which.
func (p *Processor) Process() error {
	defer func() {
		p.mu.Lock()
		for _, ch := range p.subscribers {
			close(ch)
		}
		p.subscribers = nil
		p.mu.Unlock()
	}()

	workers := p.params.Devices
	if workers < 1 {
		workers = 1
	}
	if workers > len(p.order) {
		workers = max(1, len(p.order))
	}
	devices := accel.DetectDevices(workers, p.params.MemoryBudget)

	jobs := make(chan string)
	resultChan := make(chan processingResult)
	var wg sync.WaitGroup
	for _, device := range devices {
		wg.Add(1)
		go func(acc accel.Accelerator) {
			defer wg.Done()
			for name := range jobs {
				resultChan <- processingResult{name: name, err: p.processItem(acc, name)}
			}
		}(accel.NewCPU(device))
	}

	go func() {
		for _, name := range p.order {
			jobs <- name
		}
		close(jobs)
		wg.Wait()
		close(resultChan)
	}()

	failed := 0
	for res := range resultChan {
		if res.err != nil {
			failed++
			p.publish(res.name, StatusFailed, "", res.err.Error())
			continue
		}
		p.mu.Lock()
		p.states[res.name].Result = p.ResultPath(res.name)
		p.mu.Unlock()
		p.publish(res.name, StatusDone, "", "")
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d items failed", failed, len(p.order))
	}
	return nil
}

// processItem loads, fits and saves one item. Nothing is written unless
// every stage succeeds.
func (p *Processor) processItem(acc accel.Accelerator, name string) error {
	st, _ := p.State(name)
	stage := func(stage string) func(completed, total int, message string) {
		return func(completed, total int, message string) {
			if message == "" {
				message = fmt.Sprintf("%d/%d", completed, total)
			}
			p.publish(name, StatusRunning, stage, message)
		}
	}

	stage("load")(0, 1, "Loading frames")
	stack, err := frames.Load(st.Path, p.params.PixelSize)
	if err != nil {
		return fmt.Errorf("loading %s: %w", name, err)
	}
	stack.Name = name

	doc := metadata.New(name)
	if p.params.DoCTF {
		fitter := ctffit.NewFitter(acc, p.params.CTF)
		fitter.SetProgressCallback(stage("ctf"))
		res, err := fitter.Fit(stack)
		if err != nil {
			return fmt.Errorf("fitting CTF of %s: %w", name, err)
		}
		doc.SetCTF(res)
	}
	if p.params.DoMotion {
		opts := p.params.Motion
		if opts.Annulus.PixelSize <= 0 {
			opts.Annulus.PixelSize = stack.PixelSize
		}
		fitter := motion.NewFitter(acc, opts)
		fitter.SetProgressCallback(stage("motion"))
		res, err := fitter.Fit(stack)
		if err != nil {
			return fmt.Errorf("fitting motion of %s: %w", name, err)
		}
		doc.SetMotion(res)
	}

	stage("save")(0, 1, "Writing metadata")
	if err := metadata.Save(doc, p.ResultPath(name)); err != nil {
		return fmt.Errorf("saving %s: %w", name, err)
	}
	return nil
}

// Summary counts the items per status
func (p *Processor) Summary() map[Status]int {
	counts := make(map[Status]int)
	for _, st := range p.States() {
		counts[st.Status]++
	}
	return counts
}
