// Package inspector is a text UI over a running engine session, for
// interactively watching the code cache fill up and registers change
// without a full debugger attach. It's a much smaller relative of the
// teacher's tcell/tview debugger TUI: one register view, a cache/range
// view, a trace view, an output log, and a command line.
package inspector

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/lookbusy1344/dbi-engine/builtin"
	"github.com/lookbusy1344/dbi-engine/engine"
)

// Inspector is the text UI over one engine instance.
type Inspector struct {
	Engine *engine.Engine
	Tracer *builtin.Tracer

	App   *tview.Application
	Pages *tview.Pages

	MainLayout   *tview.Flex
	RegisterView *tview.TextView
	CacheView    *tview.TextView
	TraceView    *tview.TextView
	OutputView   *tview.TextView
	CommandInput *tview.InputField
}

// New builds an Inspector over eng. tracer may be nil if no tracer rule is
// installed on eng; its entries are shown in the trace panel when set.
func New(eng *engine.Engine, tracer *builtin.Tracer) *Inspector {
	ins := &Inspector{
		Engine: eng,
		Tracer: tracer,
		App:    tview.NewApplication(),
	}
	ins.initializeViews()
	ins.buildLayout()
	ins.setupKeyBindings()
	return ins
}

func (ins *Inspector) initializeViews() {
	ins.RegisterView = tview.NewTextView().SetDynamicColors(true).SetScrollable(true)
	ins.RegisterView.SetBorder(true).SetTitle(" Registers ")

	ins.CacheView = tview.NewTextView().SetDynamicColors(true).SetScrollable(true)
	ins.CacheView.SetBorder(true).SetTitle(" Code Cache ")

	ins.TraceView = tview.NewTextView().SetDynamicColors(true).SetScrollable(true).SetWrap(false)
	ins.TraceView.SetBorder(true).SetTitle(" Basic Block Trace ")

	ins.OutputView = tview.NewTextView().SetDynamicColors(true).SetScrollable(true)
	ins.OutputView.SetBorder(true).SetTitle(" Output ")

	ins.CommandInput = tview.NewInputField().SetLabel("> ")
	ins.CommandInput.SetDoneFunc(ins.handleCommand)
}

func (ins *Inspector) buildLayout() {
	top := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(ins.RegisterView, 0, 1, false).
		AddItem(ins.CacheView, 0, 1, false)

	content := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(top, 10, 0, false).
		AddItem(ins.TraceView, 0, 2, false)

	ins.MainLayout = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(content, 0, 4, false).
		AddItem(ins.OutputView, 8, 0, false).
		AddItem(ins.CommandInput, 1, 0, true)

	ins.Pages = tview.NewPages().AddPage("main", ins.MainLayout, true, true)
}

func (ins *Inspector) setupKeyBindings() {
	ins.App.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlC:
			ins.App.Stop()
			return nil
		case tcell.KeyCtrlL:
			ins.RefreshAll()
			return nil
		}
		return event
	})
}

func (ins *Inspector) handleCommand(key tcell.Key) {
	if key != tcell.KeyEnter {
		return
	}
	cmd := strings.TrimSpace(ins.CommandInput.GetText())
	ins.CommandInput.SetText("")
	if cmd == "" {
		return
	}
	ins.executeCommand(cmd)
}

// executeCommand handles a small fixed set of inspector commands: "run
// START STOP", "clear" (flush the whole cache), and "quit".
func (ins *Inspector) executeCommand(cmd string) {
	fields := strings.Fields(cmd)
	switch fields[0] {
	case "run":
		if len(fields) != 3 {
			ins.WriteOutput("[red]usage: run <start> <stop>[white]\n")
			break
		}
		start, err1 := strconv.ParseUint(fields[1], 0, 64)
		stop, err2 := strconv.ParseUint(fields[2], 0, 64)
		if err1 != nil || err2 != nil {
			ins.WriteOutput("[red]invalid address[white]\n")
			break
		}
		ran, err := ins.Engine.Run(start, stop)
		if err != nil {
			ins.WriteOutput(fmt.Sprintf("[red]run error: %v[white]\n", err))
			break
		}
		ins.WriteOutput(fmt.Sprintf("ran=%v pc=0x%x\n", ran, ins.Engine.GetGPRState().PC))
	case "clear":
		ins.Engine.ClearAllCache()
		ins.WriteOutput("cache cleared\n")
	case "quit":
		ins.App.Stop()
		return
	default:
		ins.WriteOutput(fmt.Sprintf("[red]unknown command: %s[white]\n", fields[0]))
	}
	ins.RefreshAll()
}

// WriteOutput appends text to the output panel.
func (ins *Inspector) WriteOutput(text string) {
	_, _ = ins.OutputView.Write([]byte(text))
	ins.OutputView.ScrollToEnd()
}

// RefreshAll redraws every panel from current engine state.
func (ins *Inspector) RefreshAll() {
	ins.updateRegisterView()
	ins.updateCacheView()
	ins.updateTraceView()
	ins.App.Draw()
}

func (ins *Inspector) updateRegisterView() {
	gpr := ins.Engine.GetGPRState()
	var b strings.Builder
	fmt.Fprintf(&b, "PC: 0x%016x\n", gpr.PC)
	fmt.Fprintf(&b, "SP: 0x%016x  LR: 0x%016x\n", gpr.GetSP(), gpr.GetLR())
	for i, v := range gpr.Regs {
		fmt.Fprintf(&b, "r%-2d 0x%016x  ", i, v)
		if i%2 == 1 {
			b.WriteByte('\n')
		}
	}
	ins.RegisterView.SetText(b.String())
}

func (ins *Inspector) updateCacheView() {
	blocks, bytes := ins.Engine.BlockCacheStats()
	var b strings.Builder
	fmt.Fprintf(&b, "blocks: %d\n", blocks)
	fmt.Fprintf(&b, "bytes used: %d\n", bytes)
	fmt.Fprintf(&b, "instrumented ranges:\n")
	for _, r := range ins.Engine.InstrumentedRanges() {
		fmt.Fprintf(&b, "  [0x%x, 0x%x)\n", r.Start, r.End)
	}
	ins.CacheView.SetText(b.String())
}

func (ins *Inspector) updateTraceView() {
	if ins.Tracer == nil {
		ins.TraceView.SetText("[yellow]no tracer rule installed[white]")
		return
	}
	var b strings.Builder
	for _, e := range ins.Tracer.Entries() {
		fmt.Fprintf(&b, "pc=0x%x bb=[0x%x,0x%x)\n", e.PC, e.BBStart, e.BBEnd)
	}
	ins.TraceView.SetText(b.String())
}

// Run starts the inspector's event loop. Blocks until the user quits.
func (ins *Inspector) Run() error {
	ins.RefreshAll()
	ins.WriteOutput("[green]engine inspector[white]\n")
	ins.WriteOutput("commands: run <start> <stop>, clear, quit\n\n")
	return ins.App.SetRoot(ins.Pages, true).SetFocus(ins.CommandInput).Run()
}

// Stop stops the inspector's event loop.
func (ins *Inspector) Stop() {
	ins.App.Stop()
}
