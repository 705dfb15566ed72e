package gc

import (
	"time"

	"github.com/zonelabs/zoned/config"
	"github.com/zonelabs/zoned/store"
)

// Interval is the steady-state period between GC cycles.
const Interval = 10 * time.Minute

// NewDefault wires together the standard Orchestrator: the zone-reference
// snapshot, the image-cache and overlay-file modules that consult it, and
// the temp-directory module that sweeps independently of zone references.
func NewDefault(conf *config.Config, zones *store.Zones) *Orchestrator {
	o := New()
	Register(o, newZoneRefsModule(zones))
	Register(o, NewImageCacheModule(conf))
	Register(o, NewOverlayModule(conf))
	Register(o, NewTempModule(conf))
	return o
}
