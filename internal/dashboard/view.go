package dashboard

// ViewImpl is the rendering surface the Dashboard drives. Implementations
// own the UI framework; the Dashboard owns the model wiring.
type ViewImpl interface {
	// Initialize builds the widgets and binds keys to controller commands
	Initialize(controller *Controller)

	// Run starts the UI framework and blocks until it exits
	Run() error

	// Stop stops the UI framework
	Stop()

	// Draw refreshes the screen
	Draw()

	// LogViewHeight returns the visible height of the log view
	LogViewHeight() int

	SetLogLines(lines []string)
	SetDevices(devices []DeviceEntry)
	SetConnected(devices ConnectedBySlot)
	SetMetrics(metrics Metrics)
	SetStatus(status StatusView)
}
