package dashboard

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/go_func_utils"
)

const logResizePoll = 100 * time.Millisecond

// Dashboard keeps a ViewImpl in step with the Model
type Dashboard struct {
	view       ViewImpl
	model      *Model
	controller *Controller
	logger     *log.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewDashboardArg holds the arguments for creating a Dashboard
type NewDashboardArg struct {
	View       ViewImpl
	Model      *Model
	Controller *Controller
	Logger     *log.Logger
}

// NewDashboard initializes the view and renders the current model state
func NewDashboard(args NewDashboardArg) *Dashboard {
	if args.Logger == nil {
		panic("Dashboard: logger cannot be nil")
	}
	if args.View == nil {
		panic("Dashboard: view cannot be nil")
	}
	if args.Model == nil {
		panic("Dashboard: model cannot be nil")
	}
	if args.Controller == nil {
		panic("Dashboard: controller cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dashboard{
		view:       args.View,
		model:      args.Model,
		controller: args.Controller,
		logger:     args.Logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	d.view.Initialize(d.controller)
	d.view.SetDevices(d.model.Devices())
	d.view.SetConnected(d.model.ConnectedDevices())
	d.view.SetMetrics(d.model.Metrics())
	d.view.SetStatus(d.model.Status())
	return d
}

// Run shows the dashboard until the user quits or ctx is cancelled
func (d *Dashboard) Run(ctx context.Context) error {
	d.setupEventListeners()
	go_func_utils.SafeGoWG(d.logger, &d.wg, d.monitorLogResize)
	go_func_utils.SafeGoWG(d.logger, &d.wg, func() {
		select {
		case <-ctx.Done():
			d.view.Stop()
		case <-d.ctx.Done():
		}
	})

	err := d.view.Run()
	d.shutdown()
	return err
}

func (d *Dashboard) setupEventListeners() {
	listen(d, d.model.ListenToDevices, d.view.SetDevices)
	listen(d, d.model.ListenToConnected, d.view.SetConnected)
	listen(d, d.model.ListenToMetrics, d.view.SetMetrics)
	listen(d, d.model.ListenToStatus, d.view.SetStatus)
	listen(d, d.model.ListenToLog, func(string) { d.updateLogDisplay() })
	listen(d, d.model.ListenToClose, func(struct{}) { d.view.Stop() })
}

// listen runs apply for every value the model publishes on register, then
// redraws
func listen[T any](d *Dashboard, register func(chan<- T) func(), apply func(T)) {
	ch := make(chan T, 1)
	unregister := register(ch)
	go_func_utils.SafeGoWG(d.logger, &d.wg, func() {
		defer unregister()
		for {
			select {
			case <-d.ctx.Done():
				return
			case value := <-ch:
				apply(value)
				d.view.Draw()
			}
		}
	})
}

func (d *Dashboard) updateLogDisplay() {
	height := d.view.LogViewHeight()
	if height <= 0 {
		return
	}
	d.view.SetLogLines(d.model.LogTail(height))
}

func (d *Dashboard) monitorLogResize() {
	var lastHeight int
	ticker := time.NewTicker(logResizePoll)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			height := d.view.LogViewHeight()
			if height != lastHeight && height > 0 {
				lastHeight = height
				d.updateLogDisplay()
				d.view.Draw()
			}
		}
	}
}

func (d *Dashboard) shutdown() {
	d.logger.Println("Dashboard: Shutting down")
	d.cancel()
	d.wg.Wait()
	d.controller.Shutdown()
	d.logger.Println("Dashboard: Shutdown complete")
}
