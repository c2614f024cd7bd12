package app

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/vk/burstci/internal/registry"
	"github.com/vk/burstci/modules/artifact"
	"github.com/vk/burstci/modules/cache"
	"github.com/vk/burstci/modules/env"
	"github.com/vk/burstci/modules/http"
	"github.com/vk/burstci/modules/print"
	"github.com/vk/burstci/modules/socketio"
)

// coreModules is the definitive list of all action modules compiled into
// the burstci binary.
var coreModules = []registry.Module{
	&print.Module{},
	&env.Module{},
	&cache.Module{},
	&artifact.Module{},
	&http.Module{},
	&socketio.Module{},
}

// ListActions writes the built-in actions and their descriptions to w.
func ListActions(w io.Writer) error {
	reg := registry.New()
	reg.RegisterModules(coreModules...)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, ref := range reg.Refs() {
		e, err := reg.Resolve(ref)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\n", ref, e.Description)
	}
	return tw.Flush()
}
