package dashboard

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/trainer"
)

type preferencesData struct {
	PreferredDeviceBySlot map[trainer.SlotKind]string `json:"preferred_device_by_slot"`
}

// Preferences remembers the last device connected to each slot so the
// dashboard can reconnect it when it is discovered again
type Preferences struct {
	filePath string
	logger   *log.Logger

	mu   sync.Mutex
	data preferencesData
}

// DefaultPreferencesPath is ~/.trainer-engine/dashboard.json
func DefaultPreferencesPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".trainer-engine", "dashboard.json")
}

// LoadPreferences reads filePath. A missing or unreadable file yields empty
// preferences.
func LoadPreferences(filePath string, logger *log.Logger) *Preferences {
	if logger == nil {
		panic("Preferences: logger cannot be nil")
	}
	p := &Preferences{
		filePath: filePath,
		logger:   logger,
	}
	p.load()
	return p
}

// Preferred returns the device ID remembered for slot, or ""
func (p *Preferences) Preferred(slot trainer.SlotKind) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.PreferredDeviceBySlot[slot]
}

// SetPreferred remembers id for slot and saves the file
func (p *Preferences) SetPreferred(slot trainer.SlotKind, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.data.PreferredDeviceBySlot[slot] == id {
		return
	}
	p.logger.Printf("Preferences: %s -> %q", slot, id)
	p.data.PreferredDeviceBySlot[slot] = id
	p.save()
}

// Forget drops the remembered device for slot
func (p *Preferences) Forget(slot trainer.SlotKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.data.PreferredDeviceBySlot[slot]; !ok {
		return
	}
	p.logger.Printf("Preferences: forget %s", slot)
	delete(p.data.PreferredDeviceBySlot, slot)
	p.save()
}

func (p *Preferences) load() {
	p.data = preferencesData{
		PreferredDeviceBySlot: make(map[trainer.SlotKind]string),
	}
	raw, err := os.ReadFile(p.filePath)
	if err != nil {
		p.logger.Printf("Preferences: load %s (no existing file)", p.filePath)
		return
	}
	if err := json.Unmarshal(raw, &p.data); err != nil {
		p.logger.Printf("Preferences: load %s failed to parse: %v", p.filePath, err)
		p.data.PreferredDeviceBySlot = make(map[trainer.SlotKind]string)
		return
	}
	if p.data.PreferredDeviceBySlot == nil {
		p.data.PreferredDeviceBySlot = make(map[trainer.SlotKind]string)
	}
	p.logger.Printf("Preferences: load %s -> %v", p.filePath, p.data.PreferredDeviceBySlot)
}

// Must be called with mu held
func (p *Preferences) save() {
	if err := os.MkdirAll(filepath.Dir(p.filePath), 0755); err != nil {
		p.logger.Printf("Preferences: save mkdir failed: %v", err)
		return
	}
	raw, err := json.MarshalIndent(p.data, "", "  ")
	if err != nil {
		p.logger.Printf("Preferences: save marshal failed: %v", err)
		return
	}
	if err := os.WriteFile(p.filePath, raw, 0644); err != nil {
		p.logger.Printf("Preferences: save %s failed: %v", p.filePath, err)
	}
}
