package dashboard

import (
	"fmt"
	"log"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/trainer"
)

var _ ViewImpl = (*TerminalView)(nil)

// TerminalView implements ViewImpl with tview
type TerminalView struct {
	logger *log.Logger
	app    *tview.Application

	mainFlex *tview.Flex

	deviceList  *tview.List
	devices     []DeviceEntry
	slotTexts   map[trainer.SlotKind]*tview.TextView
	metricsText *tview.TextView
	statusText  *tview.TextView
	logView     *tview.TextView

	tabWidgets []*tview.Box
}

func NewTerminalView(logger *log.Logger, app *tview.Application) *TerminalView {
	if logger == nil {
		panic("TerminalView: logger cannot be nil")
	}
	if app == nil {
		app = tview.NewApplication()
	}
	return &TerminalView{
		logger:    logger,
		app:       app,
		slotTexts: make(map[trainer.SlotKind]*tview.TextView),
	}
}

// Initialize builds the layout: devices and slots on the left, telemetry and
// status in the middle, logs on the right
func (ui *TerminalView) Initialize(controller *Controller) {
	help := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText(keyHelp)

	ui.deviceList = tview.NewList().
		ShowSecondaryText(false).
		SetSelectedFunc(func(index int, mainText, _ string, _ rune) {
			if index < 0 || index >= len(ui.devices) {
				ui.logger.Printf("UI: Index %d out of range (have %d devices)", index, len(ui.devices))
				return
			}
			selected := ui.devices[index]
			ui.logger.Printf("UI: Connecting to %s (%s)", selected.Name, selected.ID)
			ui.async(func() { controller.ConnectDevice(selected.ID) })
		})
	ui.deviceList.SetBorder(true).SetTitle(" Devices ")

	slotsFlex := tview.NewFlex().SetDirection(tview.FlexRow)
	for _, slot := range []trainer.SlotKind{trainer.SlotHeartRate, trainer.SlotTrainer} {
		text := tview.NewTextView().SetDynamicColors(true)
		text.SetBorder(true).SetTitle(fmt.Sprintf(" %s ", slot))
		text.SetText(" [gray]None[white]")
		ui.slotTexts[slot] = text
		slotsFlex.AddItem(text, 3, 0, false)
	}

	leftColumn := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(ui.deviceList, 0, 1, true).
		AddItem(slotsFlex, 6, 0, false)

	ui.metricsText = tview.NewTextView().SetDynamicColors(true)
	ui.metricsText.SetBorder(true).SetTitle(" Telemetry ")
	ui.metricsText.SetText(formatMetrics(Metrics{}))

	ui.statusText = tview.NewTextView().SetDynamicColors(true)
	ui.statusText.SetBorder(true).SetTitle(" Status ")

	middleColumn := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(ui.metricsText, 0, 2, false).
		AddItem(ui.statusText, 0, 1, false)

	// No SetChangedFunc on the log view: drawing from it can hang once the
	// application has stopped
	ui.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)
	ui.logView.SetBorder(true).SetTitle(" Logs ")

	ui.tabWidgets = []*tview.Box{ui.deviceList.Box, ui.metricsText.Box, ui.statusText.Box, ui.logView.Box}

	body := tview.NewFlex().
		AddItem(leftColumn, 0, 1, true).
		AddItem(middleColumn, 0, 1, false).
		AddItem(ui.logView, 0, 1, false)

	ui.mainFlex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(help, 2, 0, false).
		AddItem(body, 0, 1, true)

	ui.setupKeyboardHandlers(controller)
}

// setupKeyboardHandlers binds keys to controller commands. Commands that
// wait on a device run off the UI goroutine.
func (ui *TerminalView) setupKeyboardHandlers(controller *Controller) {
	ui.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyTab:
			ui.focusNext()
			return nil
		case tcell.KeyEscape:
			controller.Quit()
			return nil
		case tcell.KeyUp:
			if !ui.deviceList.HasFocus() {
				ui.async(func() { controller.AdjustTargetPower(PowerStepWatts) })
				return nil
			}
		case tcell.KeyDown:
			if !ui.deviceList.HasFocus() {
				ui.async(func() { controller.AdjustTargetPower(-PowerStepWatts) })
				return nil
			}
		case tcell.KeyRune:
			switch event.Rune() {
			case 's':
				ui.async(func() { controller.ToggleScan() })
			case 'd':
				if id, ok := ui.selectedDeviceID(); ok {
					ui.async(func() { controller.DisconnectDevice(id) })
				}
			case '+', '=':
				ui.async(func() { controller.AdjustTargetPower(PowerStepWatts) })
			case '-':
				ui.async(func() { controller.AdjustTargetPower(-PowerStepWatts) })
			case '.':
				ui.async(func() { controller.AdjustTargetCadence(CadenceStepRpm) })
			case ',':
				ui.async(func() { controller.AdjustTargetCadence(-CadenceStepRpm) })
			case ' ':
				ui.async(func() { controller.ToggleSession() })
			case 'x':
				ui.async(func() { controller.StopSession() })
			case 't':
				ui.async(func() { controller.StartTrainer() })
			case 'r':
				ui.async(func() { controller.RequestSpinDown() })
			case 'e':
				ui.async(func() { controller.ExportSession() })
			case 'p':
				ui.async(func() { controller.ToggleSimulation() })
			case 'n':
				ui.async(func() { controller.NextWorkout() })
			case 'w':
				ui.async(func() { controller.ToggleWorkout() })
			default:
				return event
			}
			return nil
		}
		return event
	})
}

func (ui *TerminalView) async(fn func()) {
	go_func_utils.SafeGo(ui.logger, fn)
}

func (ui *TerminalView) focusNext() {
	for i, w := range ui.tabWidgets {
		if w.HasFocus() {
			ui.app.SetFocus(ui.tabWidgets[(i+1)%len(ui.tabWidgets)])
			return
		}
	}
	ui.app.SetFocus(ui.tabWidgets[0])
}

func (ui *TerminalView) selectedDeviceID() (string, bool) {
	index := ui.deviceList.GetCurrentItem()
	if index < 0 || index >= len(ui.devices) {
		return "", false
	}
	return ui.devices[index].ID, true
}

// Run starts the UI and blocks until it exits
func (ui *TerminalView) Run() error {
	// SetRoot must come before SetFocus or the focus is reset
	ui.app.SetRoot(ui.mainFlex, true)
	ui.app.SetFocus(ui.deviceList)
	return ui.app.Run()
}

func (ui *TerminalView) Stop() {
	ui.app.Stop()
}

func (ui *TerminalView) Draw() {
	ui.app.Draw()
}

func (ui *TerminalView) LogViewHeight() int {
	_, _, _, height := ui.logView.GetInnerRect()
	return height
}

func (ui *TerminalView) SetLogLines(lines []string) {
	ui.logView.SetText(strings.Join(lines, "\n"))
}

// SetDevices refreshes the device list, keeping the selection on the same
// device when it is still listed
func (ui *TerminalView) SetDevices(devices []DeviceEntry) {
	var selectedID string
	if id, ok := ui.selectedDeviceID(); ok {
		selectedID = id
	}

	ui.devices = devices
	ui.deviceList.Clear()
	selectedIdx := -1
	for i, d := range devices {
		if d.ID == selectedID {
			selectedIdx = i
		}
		ui.deviceList.AddItem(formatDevice(d), "", 0, nil)
	}
	if selectedIdx > -1 {
		ui.deviceList.SetCurrentItem(selectedIdx)
	}
}

func (ui *TerminalView) SetConnected(devices ConnectedBySlot) {
	for slot, text := range ui.slotTexts {
		text.SetText(formatSlot(slot, devices))
	}
}

func (ui *TerminalView) SetMetrics(metrics Metrics) {
	ui.metricsText.SetText(formatMetrics(metrics))
}

func (ui *TerminalView) SetStatus(status StatusView) {
	ui.statusText.SetText(formatStatus(status))
}
