package messagelog

import "strings"

// BodyLogging decides per producer subsystem whether message bodies are
// stored. Subsystems listed in Overrides get the opposite of Enabled.
type BodyLogging struct {
	Enabled   bool
	Overrides []string
}

// LogsBody reports whether the body of a message for serviceID is kept.
// An override names a subsystem ("RS/GOV/2002/registry") and matches every
// service under it, or a single service.
func (b BodyLogging) LogsBody(serviceID string) bool {
	for _, o := range b.Overrides {
		o = strings.TrimSuffix(o, "/")
		if o == "" {
			continue
		}
		if serviceID == o || strings.HasPrefix(serviceID, o+"/") {
			return !b.Enabled
		}
	}
	return b.Enabled
}
