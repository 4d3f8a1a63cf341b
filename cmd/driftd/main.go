package main

import (
	"log/slog"
	"os"

	"github.com/InsulaLabs/drift/plugins/bottles"
	"github.com/InsulaLabs/drift/plugins/status"
	"github.com/InsulaLabs/drift/runtime"
)

func main() {
	// The runtime handles --config and --new-cfg itself.
	rt, err := runtime.New(os.Args[1:], "driftd.yaml")
	if err != nil {
		slog.Error("Failed to initialize runtime", "error", err)
		os.Exit(1)
	}
	if rt == nil {
		return
	}

	// ------------------- Add Plugins -------------------

	logger := rt.Logger()
	for _, p := range []runtime.Plugin{
		status.New(logger),
		bottles.New(logger),
	} {
		if err := rt.WithPlugin(p); err != nil {
			logger.Error("Failed to mount plugin", "plugin", p.GetName(), "error", err)
			os.Exit(1)
		}
	}

	// ----------------- Start the runtime ----------------

	if err := rt.Run(); err != nil {
		logger.Error("Runtime exited with error", "error", err)
		os.Exit(1)
	}
}
