package operator

import (
	"sync"

	"github.com/google/uuid"

	"github.com/wizardbeard/driftcore/internal/hook"
	"github.com/wizardbeard/driftcore/internal/registry"
	"github.com/wizardbeard/driftcore/internal/timestep"
)

// Command wraps a user action injected into the training loop via
// InvokeCommand, per spec.md §4.5: a paired local+global hook each run Run
// once per firing, accumulating completions in a registry shared by both.
// Once completions exceeds workerCount, OnFinish runs exactly once.
type Command struct {
	id       uuid.UUID
	run      func(reg *registry.Registry) error
	onFinish func()
	params   *registry.Registry

	mu          sync.Mutex
	completions int
	finished    bool
}

// NewCommand constructs a Command. onFinish may be nil.
func NewCommand(run func(reg *registry.Registry) error, onFinish func()) *Command {
	return &Command{
		id:       uuid.New(),
		run:      run,
		onFinish: onFinish,
		params:   registry.New("command-params"),
	}
}

// Completions returns the command's current completion count.
func (c *Command) Completions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completions
}

// InvokeCommand attaches cmd as a paired local+global hook, per spec.md
// §4.5. The local copy runs once per worker per iteration, the global copy
// once per operator-level iteration event; both share cmd's completion
// counter. Attaching the one-shot finish hook happens off the invoking
// goroutine (see finishCommand), so the hook call that trips the threshold
// returns without waiting on hooksMu.
func (o *Operator) InvokeCommand(cmd *Command) error {
	o.commandsMu.Lock()
	o.commands[cmd.id.String()] = cmd
	o.commandsMu.Unlock()

	step := timestep.Every(1, timestep.Iteration)
	localHook := hook.New(step, cmd.invoke(o), hook.WithEqualityKey("command-local:"+cmd.id.String()))
	globalHook := hook.New(step, cmd.invoke(o), hook.WithEqualityKey("command-global:"+cmd.id.String()))

	if _, err := o.AttachLocalHook(localHook); err != nil {
		return err
	}
	if _, err := o.AttachGlobalHook(globalHook); err != nil {
		return err
	}
	return nil
}

// invoke builds the hook.Func shared by a command's local and global hook:
// run the wrapped command, record a completion, and fire onFinish the
// first time completions crosses workerCount. completions > workerCount
// (strict) is the spec's documented fire condition; it is reproduced
// literally here, with a warning logged when it trips (once per command)
// so the off-by-one stays visible rather than silently eaten.
func (c *Command) invoke(o *Operator) hook.Func {
	return func(reg *registry.Registry) error {
		if err := c.run(reg); err != nil {
			return err
		}

		c.mu.Lock()
		c.completions++
		c.params.Set("completions", c.completions)
		n := c.completions
		trigger := n > o.workerCount && !c.finished
		if trigger {
			c.finished = true
		}
		c.mu.Unlock()

		if trigger {
			o.log.Warn("command completions exceeded worker count",
				"command", c.id, "completions", n, "workerCount", o.workerCount)
			go o.finishCommand(c)
		}
		return nil
	}
}

// finishCommand attaches a one-shot global hook that calls cmd.OnFinish on
// its first (and only) firing, then is collected as dead the same way any
// other exhausted hook is. Run on its own goroutine so attach's
// hooksMu/pushHooksToWorkers never nests inside the firing call that
// triggered it.
func (o *Operator) finishCommand(cmd *Command) {
	step, err := timestep.New(timestep.Iteration, 1, 1)
	if err != nil {
		o.log.Error("failed to build command finish timestep", "command", cmd.id, "error", err)
		return
	}
	finish := hook.New(step, func(reg *registry.Registry) error {
		if cmd.onFinish != nil {
			cmd.onFinish()
		}
		return nil
	}, hook.WithEqualityKey("command-finish:"+cmd.id.String()))

	if _, err := o.AttachGlobalHook(finish); err != nil {
		o.log.Error("failed to attach command finish hook", "command", cmd.id, "error", err)
	}
}
