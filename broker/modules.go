package broker

import "fmt"

// Module describes one named executable mapping in the guest address
// space, the unit AddModule/RemoveModule operate on. Deployments populate
// this table from whatever maps executable memory on their platform (an
// ELF program header, a PE section, /proc/self/maps); this package only
// consumes the result.
type Module struct {
	Name       string
	Start, End uint64
}

func (m Module) contains(addr uint64) bool { return addr >= m.Start && addr < m.End }

// ModuleMap is the set of known executable mappings, looked up by name or
// by a contained address.
type ModuleMap struct {
	modules []Module
}

// NewModuleMap returns an empty map.
func NewModuleMap() *ModuleMap { return &ModuleMap{} }

// Add records a module's mapping.
func (mm *ModuleMap) Add(m Module) { mm.modules = append(mm.modules, m) }

// ByName finds the module with the given name.
func (mm *ModuleMap) ByName(name string) (Module, bool) {
	for _, m := range mm.modules {
		if m.Name == name {
			return m, true
		}
	}
	return Module{}, false
}

// ByAddress finds the module containing addr.
func (mm *ModuleMap) ByAddress(addr uint64) (Module, bool) {
	for _, m := range mm.modules {
		if m.contains(addr) {
			return m, true
		}
	}
	return Module{}, false
}

// All returns every known module.
func (mm *ModuleMap) All() []Module {
	out := make([]Module, len(mm.modules))
	copy(out, mm.modules)
	return out
}

// AddModule instruments the named module's whole mapping.
func (b *Broker) AddModule(mm *ModuleMap, name string) error {
	m, ok := mm.ByName(name)
	if !ok {
		return fmt.Errorf("broker: no module named %q", name)
	}
	b.AddRange(m.Start, m.End)
	return nil
}

// AddModuleFromAddr instruments the mapping containing addr.
func (b *Broker) AddModuleFromAddr(mm *ModuleMap, addr uint64) error {
	m, ok := mm.ByAddress(addr)
	if !ok {
		return fmt.Errorf("broker: no module contains address 0x%x", addr)
	}
	b.AddRange(m.Start, m.End)
	return nil
}

// RemoveModule un-instruments the named module's mapping.
func (b *Broker) RemoveModule(mm *ModuleMap, name string) error {
	m, ok := mm.ByName(name)
	if !ok {
		return fmt.Errorf("broker: no module named %q", name)
	}
	b.RemoveRange(m.Start, m.End)
	return nil
}

// InstrumentAll instruments every known executable mapping.
func (b *Broker) InstrumentAll(mm *ModuleMap) {
	for _, m := range mm.modules {
		b.AddRange(m.Start, m.End)
	}
}
